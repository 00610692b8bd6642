// Package workspace allocates the private directory each task works in and
// removes the directories of expired tasks.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/types"
)

// OutputDirName is the engine's output directory inside a workspace.
const OutputDirName = "output"

// Manager hands out workspaces under a root directory.
type Manager struct {
	root string
}

// Workspace is one task's directory layout.
type Workspace struct {
	Dir       string
	InputPath string
	OutputDir string
}

// NewManager creates a Manager rooted at root, or at the OS temp dir when empty.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = os.TempDir()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "invalid work directory", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "cannot create work directory", abs, err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string {
	return m.root
}

// Allocate creates a fresh workspace for a task. filename is the client's
// upload name; only its base name is kept.
func (m *Manager) Allocate(taskID, filename string) (*Workspace, error) {
	name := SanitizeFilename(filename)
	if name == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrValidation, "invalid file name", filename, nil)
	}

	dir, err := os.MkdirTemp(m.root, "pdftranslate-"+shortID(taskID)+"-")
	if err != nil {
		return nil, types.NewAppError(types.ErrInternal, "cannot create task workspace", err)
	}
	out := filepath.Join(dir, OutputDirName)
	if err := os.Mkdir(out, 0755); err != nil {
		os.RemoveAll(dir)
		return nil, types.NewAppError(types.ErrInternal, "cannot create output directory", err)
	}

	return &Workspace{
		Dir:       dir,
		InputPath: filepath.Join(dir, name),
		OutputDir: out,
	}, nil
}

// Release deletes a workspace directory. Paths outside the root are refused.
func (m *Manager) Release(dir string) error {
	if dir == "" {
		return nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("refusing to remove %s outside work directory %s", abs, m.root)
	}
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	logger.Debug("workspace removed", logger.String("dir", abs))
	return nil
}

// SanitizeFilename reduces a client-supplied name to a safe base name.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, name)
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}
	return name
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
