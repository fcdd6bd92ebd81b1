package commands

import (
	"os"
	"runtime"
	"runtime/debug"
)

// Global CLI flags
var (
	// ConfigPath is the YAML config file
	ConfigPath string

	// UserID is the marketplace user the command acts for
	UserID string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// Environment overrides. The secrets should not live in the config file.
const (
	envUser                 = "JOBESCROW_USER"
	envKeystorePassword     = "JOBESCROW_KEYSTORE_PASSWORD"
	envConnectionPassphrase = "JOBESCROW_CONNECTION_PASSPHRASE"
)

// resolveUser falls back to $JOBESCROW_USER when --user was not given
func resolveUser() {
	if UserID == "" {
		UserID = os.Getenv(envUser)
	}
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
