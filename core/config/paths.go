package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDir = "stdiobridge"

// DefaultConfigPath returns where the named config file (e.g. "bridge.yaml")
// lives on the current platform.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath joins the platform config directory with name. Split out
// from DefaultConfigPath so tests can pin the OS and base directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	return filepath.Join(configDir(goos, home, programData), name)
}

func configDir(goos, home, programData string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDir)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		return filepath.Join(strings.TrimRight(programData, "\\/"), appDir)
	default:
		return filepath.Join("/etc", appDir)
	}
}
