// Package agent resolves a logical agent name to an absolute executable
// path on disk: the Binary Finder collaborator consulted by the session
// spawner and the background-agent queue before every launch. It never
// shells out to probe a candidate — existence on disk is enough.
package agent

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrNotFound is returned when no candidate path resolves to an
// executable file.
var ErrNotFound = errors.New("agent: binary not found")

// FindBinary resolves name (e.g. "claude") to an absolute path: an
// explicit override first, then a per-kind scan of well-known install
// directories, then a PATH lookup. It never invokes the binary.
func FindBinary(name string, override string) (string, error) {
	if override != "" {
		if real, ok := executablePath(override); ok {
			return real, nil
		}
		return "", ErrNotFound
	}

	for _, dir := range knownInstallDirs() {
		candidate := filepath.Join(dir, name)
		if real, ok := executablePath(candidate); ok {
			return real, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		if real, ok := executablePath(p); ok {
			return real, nil
		}
	}

	return "", ErrNotFound
}

// executablePath resolves symlinks and confirms path names a regular,
// executable file.
func executablePath(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	if runtime.GOOS != "windows" && info.Mode()&0111 == 0 {
		return "", false
	}
	return real, true
}

// knownInstallDirs lists the well-known locations npm-, yarn-, and
// bun-installed CLIs land in, plus the usual system bin directories.
func knownInstallDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
		"/opt/homebrew/bin",
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".yarn", "bin"),
			filepath.Join(home, ".bun", "bin"),
			filepath.Join(home, ".config", "yarn", "global", "node_modules", ".bin"),
		)
		dirs = append(dirs, nvmBinDirs(home)...)
	}

	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			dirs = append(dirs, filepath.Join(appdata, "npm"))
		}
	}

	uniq := make(map[string]struct{}, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if _, seen := uniq[d]; seen {
			continue
		}
		uniq[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// nvmBinDirs lists every installed node version's bin directory under
// nvm, in the ascending directory-name order os.ReadDir returns (not
// sorted by version), since a CLI installed via npm lands there rather
// than in any fixed path.
func nvmBinDirs(home string) []string {
	root := filepath.Join(home, ".nvm", "versions", "node")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(root, e.Name(), "bin"))
	}
	return out
}
