package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns ~/.campd, the default data directory.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".campd")
}

// CompanyDir returns the per-company directory under the data dir.
func CompanyDir(dataDir, companyID string) string {
	return filepath.Join(dataDir, "companies", companyID)
}

// ChannelDir returns the directory holding one phone slot's session state.
func ChannelDir(dataDir, companyID string, phoneIndex int) string {
	return filepath.Join(CompanyDir(dataDir, companyID), fmt.Sprintf("phone%d", phoneIndex))
}

// SessionDBPath returns the whatsmeow credential store for a phone slot.
func SessionDBPath(dataDir, companyID string, phoneIndex int) string {
	return filepath.Join(ChannelDir(dataDir, companyID, phoneIndex), "session.db")
}

// AppDBPath returns the daemon-owned campd.db path.
func AppDBPath(dataDir string) string {
	return filepath.Join(dataDir, "campd.db")
}

// LogDir returns the daemon log directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "campd.log")
}

// ConfigPath returns the default config file path.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// EnsureChannelDir creates the directory tree for a phone slot.
func EnsureChannelDir(dataDir, companyID string, phoneIndex int) error {
	return os.MkdirAll(ChannelDir(dataDir, companyID, phoneIndex), 0700)
}

// EnsureDataDir creates the data directory tree with proper permissions.
func EnsureDataDir(dataDir string) error {
	dirs := []string{
		dataDir,
		LogDir(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
