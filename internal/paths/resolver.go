// Package paths resolves provider executables to absolute paths.
//
// Desktop launch environments (Finder, .desktop entries, service
// managers) often carry a minimal PATH that lacks the locations where
// tool-provider runtimes actually live (Homebrew, nvm, npm globals).
// The resolver falls back through those well-known install locations
// so a provider configured as plain "npx" still spawns.
package paths

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Resolve locates command, returning an absolute path suitable for
// exec. The search order is:
//
//  1. A path containing a separator is used as-is (after ~ expansion).
//  2. The current PATH via exec.LookPath.
//  3. Platform-specific fallback directories.
//  4. Installed nvm node versions (newest first).
//
// Returns an error naming every location searched when nothing matches.
func Resolve(command string) (string, error) {
	command = ExpandHome(command)

	if strings.ContainsRune(command, os.PathSeparator) {
		if isExecutable(command) {
			return command, nil
		}
		return "", fmt.Errorf("command %q not found or not executable", command)
	}

	if p, err := exec.LookPath(command); err == nil {
		return p, nil
	}

	dirs := fallbackDirs()
	dirs = append(dirs, nvmBinDirs()...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, command)
		if runtime.GOOS == "windows" {
			for _, ext := range []string{".exe", ".cmd", ".bat"} {
				if isExecutable(candidate + ext) {
					return candidate + ext, nil
				}
			}
		}
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("command %q not found in PATH or fallback locations %v", command, dirs)
}

// fallbackDirs returns the platform's known install locations, in
// search order.
func fallbackDirs() []string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/opt/homebrew/bin",
			"/usr/local/bin",
			"/opt/local/bin",
			filepath.Join(home, ".local", "bin"),
		}
	case "windows":
		var dirs []string
		if appData := os.Getenv("APPDATA"); appData != "" {
			dirs = append(dirs, filepath.Join(appData, "npm"))
		}
		if pf := os.Getenv("ProgramFiles"); pf != "" {
			dirs = append(dirs, filepath.Join(pf, "nodejs"))
		}
		return dirs
	default:
		return []string{
			"/usr/local/bin",
			filepath.Join(home, ".local", "bin"),
			"/snap/bin",
		}
	}
}

// nvmBinDirs returns bin directories of installed nvm node versions,
// newest version string first. Best effort; missing nvm is normal.
func nvmBinDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	versionsDir := filepath.Join(home, ".nvm", "versions", "node")
	entries, err := os.ReadDir(versionsDir)
	if err != nil {
		return nil
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	// Lexicographic descending is close enough to semver for vNN names;
	// a stale pick still resolves to a working node.
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	dirs := make([]string, 0, len(versions))
	for _, v := range versions {
		dirs = append(dirs, filepath.Join(versionsDir, v, "bin"))
	}
	return dirs
}

// isExecutable reports whether path exists and is an executable regular
// file. On Windows the execute bit is meaningless, so existence suffices.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
