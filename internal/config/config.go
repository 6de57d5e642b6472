package config

import (
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration options for the application.
type Config struct {
	IRC   *IRCConfig   `yaml:"irc,omitempty"`
	Paths *PathsConfig `yaml:"paths,omitempty"`
	Queue *QueueConfig `yaml:"queue,omitempty"`
	Log   *LogConfig   `yaml:"log,omitempty"`
}

// IRCConfig holds connection and policy settings for the chat network.
type IRCConfig struct {
	Server           string   `yaml:"server,omitempty"`
	Port             int      `yaml:"port,omitempty"`
	TLS              bool     `yaml:"tls,omitempty"`
	TLSVerify        *bool    `yaml:"tlsVerify,omitempty"`
	Channel          string   `yaml:"channel,omitempty"`
	Nick             string   `yaml:"nick,omitempty"`
	Realname         string   `yaml:"realname,omitempty"`
	AllowedBots      []string `yaml:"allowedBots,omitempty"`
	MaxDownloadBytes int64    `yaml:"maxDownloadBytes,omitempty"`
}

// PathsConfig holds the three filesystem roots.
type PathsConfig struct {
	StagingDir string `yaml:"stagingDir,omitempty"`
	ScratchDir string `yaml:"scratchDir,omitempty"`
	LibraryDir string `yaml:"libraryDir,omitempty"`
}

// QueueConfig holds job-queue settings.
type QueueConfig struct {
	Workers int `yaml:"workers,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
}

// Snapshot is the read-only view a session takes once at start. Mid-session
// configuration changes never affect a running session.
type Snapshot struct {
	Server    string
	Port      int
	TLS       bool
	TLSVerify bool
	Channel   string
	Nick      string
	Realname  string

	// AllowedBots is lowercased; an empty set means any sender is accepted.
	AllowedBots      map[string]struct{}
	MaxDownloadBytes int64

	StagingDir string
	ScratchDir string
	LibraryDir string
}

// Allowed reports whether sender may initiate a transfer under this snapshot.
func (s Snapshot) Allowed(sender string) bool {
	if len(s.AllowedBots) == 0 {
		return true
	}
	_, ok := s.AllowedBots[strings.ToLower(sender)]
	return ok
}

// Address returns the host:port dial target.
func (s *Snapshot) Address() string {
	return joinHostPort(s.Server, s.Port)
}

// Store owns the configuration file. Reads hand out merged copies; Update
// rewrites the file. Concurrent API access is serialized by the mutex.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// Load reads the configuration file at path and returns a Store. A missing
// or empty file yields the defaults.
func Load(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}

	s := &Store{path: path}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if len(b) == 0 {
		return s, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	s.cfg = cfg

	return s, nil
}

// Current returns the stored configuration merged over the defaults.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return merge(s.cfg)
}

// Update replaces the stored configuration and persists it.
func (s *Store) Update(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		return err
	}

	s.cfg = cfg

	return nil
}

// Snapshot produces the read-only view sessions consume.
func (s *Store) Snapshot() Snapshot {
	cfg := s.Current()

	allowed := make(map[string]struct{}, len(cfg.IRC.AllowedBots))
	for _, b := range cfg.IRC.AllowedBots {
		allowed[strings.ToLower(b)] = struct{}{}
	}

	verify := true
	if cfg.IRC.TLSVerify != nil {
		verify = *cfg.IRC.TLSVerify
	}

	return Snapshot{
		Server:           cfg.IRC.Server,
		Port:             cfg.IRC.Port,
		TLS:              cfg.IRC.TLS,
		TLSVerify:        verify,
		Channel:          cfg.IRC.Channel,
		Nick:             cfg.IRC.Nick,
		Realname:         cfg.IRC.Realname,
		AllowedBots:      allowed,
		MaxDownloadBytes: cfg.IRC.MaxDownloadBytes,
		StagingDir:       cfg.Paths.StagingDir,
		ScratchDir:       cfg.Paths.ScratchDir,
		LibraryDir:       cfg.Paths.LibraryDir,
	}
}

func Default() Config {
	return Config{
		IRC: &IRCConfig{
			Server:   defaultServer,
			Port:     defaultPort,
			Channel:  defaultChannel,
			Nick:     defaultNick,
			Realname: defaultRealname,
		},
		Paths: &PathsConfig{
			StagingDir: defaultStagingDir(),
			ScratchDir: defaultScratchDir(),
			LibraryDir: defaultLibraryDir(),
		},
		Queue: &QueueConfig{
			Workers: defaultQueueWorkers,
		},
		Log: &LogConfig{
			Level:      "info",
			File:       defaultLogPath(),
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}

func merge(cfg Config) Config {
	defaults := Default()

	irc := zeroOr(cfg.IRC, defaults.IRC)
	paths := zeroOr(cfg.Paths, defaults.Paths)
	queue := zeroOr(cfg.Queue, defaults.Queue)
	logCfg := zeroOr(cfg.Log, defaults.Log)

	return Config{
		IRC: &IRCConfig{
			Server:           zeroOr(irc.Server, defaults.IRC.Server),
			Port:             zeroOr(irc.Port, defaults.IRC.Port),
			TLS:              irc.TLS,
			TLSVerify:        irc.TLSVerify,
			Channel:          zeroOr(irc.Channel, defaults.IRC.Channel),
			Nick:             zeroOr(irc.Nick, defaults.IRC.Nick),
			Realname:         zeroOr(irc.Realname, defaults.IRC.Realname),
			AllowedBots:      irc.AllowedBots,
			MaxDownloadBytes: irc.MaxDownloadBytes,
		},
		Paths: &PathsConfig{
			StagingDir: zeroOr(paths.StagingDir, defaults.Paths.StagingDir),
			ScratchDir: zeroOr(paths.ScratchDir, defaults.Paths.ScratchDir),
			LibraryDir: zeroOr(paths.LibraryDir, defaults.Paths.LibraryDir),
		},
		Queue: &QueueConfig{
			Workers: zeroOr(queue.Workers, defaults.Queue.Workers),
		},
		Log: &LogConfig{
			Level:      zeroOr(logCfg.Level, defaults.Log.Level),
			File:       zeroOr(logCfg.File, defaults.Log.File),
			MaxSizeMB:  zeroOr(logCfg.MaxSizeMB, defaults.Log.MaxSizeMB),
			MaxBackups: zeroOr(logCfg.MaxBackups, defaults.Log.MaxBackups),
			MaxAgeDays: zeroOr(logCfg.MaxAgeDays, defaults.Log.MaxAgeDays),
		},
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
