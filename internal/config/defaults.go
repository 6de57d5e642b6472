package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	appName        = "bookdash"
	configFileName = "bookdash.yaml"

	defaultServer   = "irc.irchighway.net"
	defaultPort     = 6667
	defaultChannel  = "#ebooks"
	defaultNick     = "bookdash"
	defaultRealname = "bookdash"

	defaultQueueWorkers = 2

	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAgeDays = 28
)

func defaultStagingDir() string {
	return filepath.Join(xdg.CacheHome, appName, "staging")
}

func defaultScratchDir() string {
	return filepath.Join(xdg.CacheHome, appName, "scratch")
}

func defaultLibraryDir() string {
	return filepath.Join(xdg.DataHome, appName, "library")
}

func defaultLogPath() string {
	return filepath.Join(xdg.StateHome, appName, "bookdash.log")
}

// DefaultPath returns the location of the configuration file when no
// explicit path is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, configFileName)
}

// DatabasePath returns where the job database lives.
func DatabasePath() string {
	return filepath.Join(xdg.StateHome, appName, "bookdash.db")
}
