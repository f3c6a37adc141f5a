package sandbox

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelbrown/gradebox/internal/errs"
)

const (
	workspaceIDLength = 64
	workspaceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// WorkspaceManager allocates per-execution scratch directories under root.
type WorkspaceManager struct {
	root string
}

// NewWorkspaceManager creates root if needed.
func NewWorkspaceManager(root string) (*WorkspaceManager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving mount dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating mount dir: %w", err)
	}
	return &WorkspaceManager{root: abs}, nil
}

// Root returns the absolute directory holding all workspaces.
func (m *WorkspaceManager) Root() string { return m.root }

// Create allocates a new workspace named by a fresh random token.
func (m *WorkspaceManager) Create() (*Workspace, error) {
	id, err := randomToken(workspaceIDLength)
	if err != nil {
		return nil, errs.Resource("Failed to allocate workspace", err)
	}

	path := filepath.Join(m.root, id)
	// Mkdir, not MkdirAll: an existing directory is a collision.
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, errs.Resource("Failed to allocate workspace", err)
	}

	return &Workspace{ID: id, Path: path, root: m.root}, nil
}

// Workspace is a scratch directory owned by exactly one execution.
type Workspace struct {
	ID   string
	Path string
	root string
}

// WriteSource writes the submitted source under the filename its language
// requires and returns that filename relative to the workspace.
func (w *Workspace) WriteSource(lang Language, source string) (string, error) {
	filename, err := lang.Toolchain().SourceFilename(source)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(w.Path, filename), []byte(source), 0o644); err != nil {
		return "", errs.Resource(w.Scrub(err.Error()), err)
	}
	return filename, nil
}

// Scrub removes host paths of the workspace and its root from text.
func (w *Workspace) Scrub(text string) string {
	sep := string(filepath.Separator)
	for _, prefix := range []string{w.Path + sep, w.Path, w.root + sep, w.root} {
		if prefix == "" || prefix == sep {
			continue
		}
		text = strings.ReplaceAll(text, prefix, "")
	}
	return text
}

// Remove deletes the workspace and everything compiled into it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}

func randomToken(n int) (string, error) {
	max := big.NewInt(int64(len(workspaceAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = workspaceAlphabet[idx.Int64()]
	}
	return string(b), nil
}
