package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    username   TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT 'student'
               CHECK(role IN ('student','teacher')),
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS quizzes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    code        TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    author_id   INTEGER NOT NULL REFERENCES users(id),
    starts_at   DATETIME,
    ends_at     DATETIME,
    created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS problems (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    quiz_id   INTEGER NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
    statement TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_problems_quiz ON problems(quiz_id, id);

CREATE TABLE IF NOT EXISTS testcases (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    problem_id         INTEGER NOT NULL REFERENCES problems(id) ON DELETE CASCADE,
    expected_output    TEXT NOT NULL,
    points             INTEGER NOT NULL CHECK(points >= 1),
    inputs             TEXT NOT NULL DEFAULT '',
    inputs_interval_ms INTEGER NOT NULL CHECK(inputs_interval_ms >= 500),
    hidden             INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_testcases_problem ON testcases(problem_id, id);

CREATE TABLE IF NOT EXISTS submissions (
    quiz_id      INTEGER NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
    user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    submitted_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (quiz_id, user_id)
);

CREATE TABLE IF NOT EXISTS scores (
    testcase_id INTEGER NOT NULL REFERENCES testcases(id) ON DELETE CASCADE,
    user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    code        TEXT NOT NULL,
    language    TEXT NOT NULL,
    output      TEXT NOT NULL,
    score       INTEGER NOT NULL,
    updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (testcase_id, user_id)
);
`

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
