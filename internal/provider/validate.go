package provider

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// FindBinary resolves a provider's executable in PATH, honoring an explicit
// override first.
func FindBinary(kind Kind, override string) (string, error) {
	name := override
	if name == "" {
		switch kind {
		case KindClaude:
			name = "claude"
		case KindCodex:
			name = "codex"
		default:
			name = string(kind)
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("provider binary %q not found in PATH: %w", name, err)
	}
	return path, nil
}

// ValidateBinary checks that a path exists and is executable. On Windows
// executability is judged by PATHEXT extension; on Unix by the execute bit.
func ValidateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("binary not found: %s", path)
		}
		return fmt.Errorf("stat binary: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("binary path is a directory: %s", path)
	}

	if runtime.GOOS == "windows" {
		if !isWindowsExecutable(path) {
			return fmt.Errorf("binary is not executable: %s", path)
		}
		return nil
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("binary is not executable: %s", path)
	}
	return nil
}

func isWindowsExecutable(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	return windowsExecutableExts()[ext]
}

func windowsExecutableExts() map[string]bool {
	exts := map[string]bool{}
	pathext := os.Getenv("PATHEXT")
	if pathext == "" {
		pathext = ".COM;.EXE;.BAT;.CMD"
	}
	for _, ext := range strings.Split(pathext, ";") {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[strings.ToLower(ext)] = true
	}
	return exts
}
