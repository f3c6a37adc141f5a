package sandbox

import (
	"fmt"
	"strings"

	"github.com/michaelbrown/gradebox/internal/errs"
)

// Language is a supported submission language.
type Language string

const (
	C    Language = "c"
	CPP  Language = "cpp"
	Java Language = "java"
)

// Languages lists every supported language.
var Languages = []Language{C, CPP, Java}

// ParseLanguage validates a language tag from a request.
func ParseLanguage(s string) (Language, error) {
	switch l := Language(s); l {
	case C, CPP, Java:
		return l, nil
	default:
		return "", errs.Validation(fmt.Sprintf("Unsupported language: %s", s))
	}
}

// Toolchain knows how a language is laid out on disk and built.
type Toolchain interface {
	// SourceFilename returns the file the source must be written to.
	SourceFilename(source string) (string, error)
	// Command returns a shell pipeline that compiles filename and runs the
	// result, exiting non-zero if either step fails.
	Command(filename string) string
}

// Toolchain returns the toolchain for l.
func (l Language) Toolchain() Toolchain {
	switch l {
	case C:
		return nativeToolchain{compiler: "gcc", source: "main.c"}
	case CPP:
		return nativeToolchain{compiler: "g++", source: "main.cpp"}
	case Java:
		return javaToolchain{}
	default:
		panic(fmt.Sprintf("sandbox: no toolchain for language %q", string(l)))
	}
}

// Name is the human readable language name.
func (l Language) Name() string {
	switch l {
	case C:
		return "C"
	case CPP:
		return "C++"
	case Java:
		return "Java"
	default:
		return string(l)
	}
}

type nativeToolchain struct {
	compiler string
	source   string
}

func (t nativeToolchain) SourceFilename(string) (string, error) {
	return t.source, nil
}

func (t nativeToolchain) Command(filename string) string {
	return fmt.Sprintf("%s %s -o main && ./main", t.compiler, shellQuote(filename))
}

// javaToolchain names the file after the public class because javac
// rejects a public class declared in a differently named file.
type javaToolchain struct{}

func (javaToolchain) SourceFilename(source string) (string, error) {
	name, err := DetectClassName(source)
	if err != nil {
		return "", err
	}
	return name + ".java", nil
}

func (javaToolchain) Command(filename string) string {
	class := strings.TrimSuffix(filename, ".java")
	return fmt.Sprintf("javac %s && java -classpath . %s", shellQuote(filename), shellQuote(class))
}

// shellQuote wraps s in single quotes; Java identifiers may contain '$'.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
