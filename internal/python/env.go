// Package python manages the Python interpreter that hosts the BabelDOC engine.
// By default it downloads uv and builds an isolated virtual environment under
// the user's home directory; an explicit interpreter can be configured instead.
package python

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/types"
)

// AppDataDirName is the directory name used in user's home directory
const AppDataDirName = ".pdftranslate-server"

// PythonVersion is the interpreter version requested from uv.
const PythonVersion = "3.11"

// RequiredPackages lists the Python packages the engine bridge imports.
var RequiredPackages = []string{"babeldoc"}

// Env is a Python interpreter plus the means to provision it.
type Env struct {
	BaseDir    string // holds .tools and .venv
	ToolsDir   string
	VenvDir    string
	UvPath     string
	PythonPath string
	// External is set when PythonPath was supplied by the operator; such an
	// interpreter is checked but never modified.
	External bool

	mu    sync.Mutex
	ready bool
	http  *resty.Client
}

// Config holds configuration for creating a new Env
type Config struct {
	BaseDir   string // defaults to ~/.pdftranslate-server
	PythonBin string // use this interpreter instead of a uv venv
}

// New creates an Env. No files are touched until Ensure is called.
func New(cfg Config) (*Env, error) {
	env := &Env{
		http: resty.New().
			SetTimeout(5 * time.Minute).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second),
	}

	if cfg.PythonBin != "" {
		env.PythonPath = cfg.PythonBin
		env.External = true
		return env, nil
	}

	baseDir := cfg.BaseDir
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		baseDir = filepath.Join(home, AppDataDirName)
	}

	env.BaseDir = baseDir
	env.ToolsDir = filepath.Join(baseDir, ".tools")
	env.VenvDir = filepath.Join(baseDir, ".venv")
	if runtime.GOOS == "windows" {
		env.UvPath = filepath.Join(env.ToolsDir, "uv.exe")
		env.PythonPath = filepath.Join(env.VenvDir, "Scripts", "python.exe")
	} else {
		env.UvPath = filepath.Join(env.ToolsDir, "uv")
		env.PythonPath = filepath.Join(env.VenvDir, "bin", "python")
	}
	return env, nil
}

// Ensure makes the interpreter usable and installs any missing packages.
// It is idempotent and safe for concurrent use.
func (e *Env) Ensure(ctx context.Context, packages []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}

	if e.External {
		if !e.runs(ctx, e.PythonPath, "--version") {
			return types.NewAppErrorWithDetails(types.ErrConfig, "python interpreter is not runnable", e.PythonPath, nil)
		}
		if missing := e.missingPackages(ctx, packages); len(missing) > 0 {
			return types.NewAppErrorWithDetails(types.ErrConfig,
				"python interpreter lacks required packages", strings.Join(missing, ", "), nil)
		}
		e.ready = true
		return nil
	}

	if err := os.MkdirAll(e.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	if err := e.ensureUv(ctx); err != nil {
		return fmt.Errorf("failed to setup uv: %w", err)
	}
	if err := e.ensureVenv(ctx); err != nil {
		return fmt.Errorf("failed to setup venv: %w", err)
	}

	if missing := e.missingPackages(ctx, packages); len(missing) > 0 {
		logger.Info("installing python packages", logger.Strings("packages", missing))
		args := append([]string{"pip", "install", "--python", e.PythonPath}, missing...)
		if out, err := e.command(ctx, e.UvPath, args...).CombinedOutput(); err != nil {
			return fmt.Errorf("failed to install packages: %s: %w", string(out), err)
		}
	}

	e.ready = true
	logger.Info("python environment ready", logger.String("python", e.PythonPath))
	return nil
}

// Command builds a command running the interpreter with args. The process is
// killed when ctx is done.
func (e *Env) Command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := e.command(ctx, e.PythonPath, args...)
	if e.BaseDir != "" {
		cmd.Dir = e.BaseDir
	}
	return cmd
}

func (e *Env) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	hideWindow(cmd)
	return cmd
}

func (e *Env) runs(ctx context.Context, name string, args ...string) bool {
	if _, err := os.Stat(name); err != nil {
		if _, lerr := exec.LookPath(name); lerr != nil {
			return false
		}
	}
	return e.command(ctx, name, args...).Run() == nil
}

func (e *Env) ensureUv(ctx context.Context) error {
	if e.runs(ctx, e.UvPath, "--version") {
		return nil
	}

	url := uvDownloadURL(runtime.GOOS, runtime.GOARCH)
	if url == "" {
		return fmt.Errorf("unsupported platform: %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	if err := os.MkdirAll(e.ToolsDir, 0755); err != nil {
		return fmt.Errorf("failed to create tools directory: %w", err)
	}

	logger.Info("downloading uv", logger.String("url", url))
	archive := filepath.Join(e.ToolsDir, filepath.Base(url))
	resp, err := e.http.R().SetContext(ctx).SetOutput(archive).Get(url)
	if err != nil {
		return fmt.Errorf("failed to download uv: %w", err)
	}
	defer os.Remove(archive)
	if resp.IsError() {
		return fmt.Errorf("failed to download uv: HTTP %d", resp.StatusCode())
	}

	if err := e.extractUv(ctx, archive); err != nil {
		return fmt.Errorf("failed to extract uv: %w", err)
	}
	if !e.runs(ctx, e.UvPath, "--version") {
		return fmt.Errorf("uv installation verification failed")
	}
	return nil
}

// uvDownloadURL returns the uv release asset for a platform, or "".
func uvDownloadURL(goos, goarch string) string {
	const base = "https://github.com/astral-sh/uv/releases/latest/download/"
	arch := map[string]string{"amd64": "x86_64", "arm64": "aarch64"}[goarch]
	if arch == "" {
		return ""
	}
	switch goos {
	case "windows":
		return base + "uv-" + arch + "-pc-windows-msvc.zip"
	case "darwin":
		return base + "uv-" + arch + "-apple-darwin.tar.gz"
	case "linux":
		return base + "uv-" + arch + "-unknown-linux-gnu.tar.gz"
	}
	return ""
}

func (e *Env) extractUv(ctx context.Context, archive string) error {
	var cmd *exec.Cmd
	if strings.HasSuffix(archive, ".zip") {
		// bsdtar ships with Windows 10+ and reads zip archives.
		cmd = e.command(ctx, "tar", "-xf", archive, "-C", e.ToolsDir)
	} else {
		cmd = e.command(ctx, "tar", "-xzf", archive, "-C", e.ToolsDir, "--strip-components=1")
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tar extraction failed: %s: %w", string(out), err)
	}
	return os.Chmod(e.UvPath, 0755)
}

func (e *Env) ensureVenv(ctx context.Context) error {
	if e.runs(ctx, e.PythonPath, "--version") {
		return nil
	}

	// a venv without a working interpreter is rebuilt from scratch
	if _, err := os.Stat(e.VenvDir); err == nil {
		os.RemoveAll(e.VenvDir)
	}

	logger.Info("creating python virtual environment", logger.String("dir", e.VenvDir))
	cmd := e.command(ctx, e.UvPath, "venv", e.VenvDir, "--python", PythonVersion)
	cmd.Dir = e.BaseDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create venv: %s: %w", string(out), err)
	}
	if !e.runs(ctx, e.PythonPath, "--version") {
		return fmt.Errorf("venv creation verification failed")
	}
	return nil
}

func (e *Env) missingPackages(ctx context.Context, packages []string) []string {
	var missing []string
	for _, pkg := range packages {
		if e.command(ctx, e.PythonPath, "-c", "import "+moduleName(pkg)).Run() != nil {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// moduleName strips version specifiers from a requirement string.
func moduleName(requirement string) string {
	name := requirement
	if idx := strings.IndexAny(name, "<>=~!["); idx > 0 {
		name = name[:idx]
	}
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}
