package sandbox

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/gradebox/internal/errs"
)

func TestDetectClassName(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		want    string
		wantErr bool
	}{
		{
			name:   "hello world",
			source: "public class Main {\n  public static void main(String[] args) {}\n}\n",
			want:   "Main",
		},
		{
			name:   "final modifier",
			source: "import java.util.*;\n\npublic final class Solver { }",
			want:   "Solver",
		},
		{
			name:   "first public class wins",
			source: "class Helper {}\npublic class Entry {}\npublic class Other {}",
			want:   "Entry",
		},
		{
			name:   "dollar in identifier",
			source: "public class Weird$Name {}",
			want:   "Weird$Name",
		},
		{
			name:    "package private only",
			source:  "class Main { public static void main(String[] a) {} }",
			wantErr: true,
		},
		{
			name:    "empty",
			source:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectClassName(tt.source)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.KindValidation, errs.KindOf(err))
				assert.Equal(t, "no public class found", errs.Message(err, ""))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLanguage(t *testing.T) {
	for _, l := range Languages {
		got, err := ParseLanguage(string(l))
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}

	_, err := ParseLanguage("python")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestToolchains(t *testing.T) {
	tests := []struct {
		lang     Language
		source   string
		filename string
		command  string
	}{
		{C, "int main(){}", "main.c", "gcc 'main.c' -o main && ./main"},
		{CPP, "int main(){}", "main.cpp", "g++ 'main.cpp' -o main && ./main"},
		{Java, "public class Hello {}", "Hello.java", "javac 'Hello.java' && java -classpath . 'Hello'"},
	}

	for _, tt := range tests {
		t.Run(string(tt.lang), func(t *testing.T) {
			tc := tt.lang.Toolchain()
			filename, err := tc.SourceFilename(tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.filename, filename)
			assert.Equal(t, tt.command, tc.Command(filename))
		})
	}
}

func TestWorkspaceCreateAndWrite(t *testing.T) {
	m, err := NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)

	ws, err := m.Create()
	require.NoError(t, err)
	assert.Len(t, ws.ID, 64)
	for _, r := range ws.ID {
		assert.True(t, strings.ContainsRune(workspaceAlphabet, r), "unexpected rune %q", r)
	}
	assert.DirExists(t, ws.Path)

	filename, err := ws.WriteSource(Java, "public class Greeter {}")
	require.NoError(t, err)
	assert.Equal(t, "Greeter.java", filename)

	data, err := os.ReadFile(filepath.Join(ws.Path, filename))
	require.NoError(t, err)
	assert.Equal(t, "public class Greeter {}", string(data))

	require.NoError(t, ws.Remove())
	assert.NoDirExists(t, ws.Path)
}

func TestWorkspaceIDsAreUnique(t *testing.T) {
	m, err := NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ws, err := m.Create()
		require.NoError(t, err)
		require.False(t, seen[ws.ID])
		seen[ws.ID] = true
	}
}

func TestWorkspaceJavaWithoutPublicClass(t *testing.T) {
	m, err := NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)
	ws, err := m.Create()
	require.NoError(t, err)

	_, err = ws.WriteSource(Java, "class Hidden {}")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	entries, err := os.ReadDir(ws.Path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkspaceScrub(t *testing.T) {
	m, err := NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)
	ws, err := m.Create()
	require.NoError(t, err)

	text := "open " + filepath.Join(ws.Path, "main.c") + ": permission denied\nsee " + filepath.Join(m.Root(), "other")
	got := ws.Scrub(text)

	assert.Equal(t, "open main.c: permission denied\nsee other", got)
	assert.NotContains(t, got, m.Root())
}

func TestDockerCLIArgs(t *testing.T) {
	d := NewDockerCLI(zerolog.Nop())
	spec := Spec{
		Name:    "gradebox-abc",
		Workdir: "/srv/mount/abc",
		Command: "gcc 'main.c' -o main && ./main",
		Policy:  DefaultPolicy(),
	}

	got := d.Args(spec)
	want := []string{
		"run", "--rm", "-i",
		"--name", "gradebox-abc",
		"-v", "/srv/mount/abc:/usr/src",
		"-w", "/usr/src",
		"--cpus", "1",
		"--memory", "256MB",
		"--pids-limit", "64",
		"--network=none",
		"eidoriantan/kodit-program:latest",
		"sh", "-c", "gcc 'main.c' -o main && ./main",
	}
	assert.Equal(t, want, got)

	spec.Policy.Network = true
	assert.NotContains(t, d.Args(spec), "--network=none")
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	n, err := p.NanoCPUs()
	require.NoError(t, err)
	assert.Equal(t, int64(1e9), n)

	mem, err := p.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024*1024), mem)

	p.CPUs = "zero"
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Memory = "lots"
	assert.Error(t, p.Validate())
}

func TestCmdProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	p, err := startCmd(exec.Command("sh", "-c", "read line; echo got $line; echo oops >&2; exit 3"), nil)
	require.NoError(t, err)

	_, err = io.WriteString(p.Stdin(), "hello\n")
	require.NoError(t, err)

	stdout, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	stderr, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, "got hello\n", string(stdout))
	assert.Equal(t, "oops\n", string(stderr))
	assert.Equal(t, 3, code)
}

func TestCmdProcessKillOnce(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	calls := 0
	p, err := startCmd(exec.Command("sleep", "30"), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	require.NoError(t, p.Kill())

	io.ReadAll(p.Stdout())
	io.ReadAll(p.Stderr())
	code, err := p.Wait()
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
	assert.Equal(t, 1, calls)
}

func TestSweeper(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "stale")
	fresh := filepath.Join(root, "fresh")
	require.NoError(t, os.Mkdir(stale, 0o755))
	require.NoError(t, os.Mkdir(fresh, 0o755))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	s := NewSweeper(root, 24*time.Hour, zerolog.Nop())
	n, err := s.Sweep(time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(t.TempDir(), time.Hour, zerolog.Nop())
	assert.Error(t, s.Start("whenever"))
}
