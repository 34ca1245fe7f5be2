// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/commitminer/commitminer/pkg/nonce"
)

// Paths holds XDG-compliant paths for commitminer.
type Paths struct {
	ConfigDir   string // ~/.config/commitminer
	DataDir     string // ~/.local/share/commitminer
	ConfigFile  string // ~/.config/commitminer/config.toml
	MinerSocket string // ~/.local/share/commitminer/miner.sock
	WorkDir     string // ~/.local/share/commitminer/repo
	Journal     string // ~/.local/share/commitminer/journal.db
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "commitminer")
	dataDir := filepath.Join(home, ".local", "share", "commitminer")

	return Paths{
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(configDir, "config.toml"),
		MinerSocket: filepath.Join(dataDir, "miner.sock"),
		WorkDir:     filepath.Join(dataDir, "repo"),
		Journal:     filepath.Join(dataDir, "journal.db"),
	}
}

// EnsureDirectories creates config and data directories if they don't exist.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0700)
}

// MinerConfig holds configuration for commitminer.
type MinerConfig struct {
	Repository RepositoryConfig `toml:"repository"`
	Identity   IdentityConfig   `toml:"identity"`
	Message    MessageConfig    `toml:"message"`
	Search     SearchConfig     `toml:"search"`
	Sync       SyncConfig       `toml:"sync"`
	Progress   ProgressConfig   `toml:"progress"`
	IPC        IPCConfig        `toml:"ipc"`
	Journal    JournalConfig    `toml:"journal"`
}

// RepositoryConfig locates the working copy and its remote.
type RepositoryConfig struct {
	CloneURL string `toml:"clone_url"`
	WorkDir  string `toml:"workdir"`
	Remote   string `toml:"remote"`
	Branch   string `toml:"branch"`
	Ledger   string `toml:"ledger"`
}

// IdentityConfig names the miner in the ledger and in commits.
type IdentityConfig struct {
	User   string `toml:"user"`
	Author string `toml:"author"` // "Name <email>"; empty derives one from User
	Zone   string `toml:"zone"`
}

// MessageConfig holds the commit payload template. {user} and {timestamp}
// are expanded.
type MessageConfig struct {
	Template string `toml:"template"`
}

// SearchConfig selects the backend and bounds the nonce search.
type SearchConfig struct {
	Backends  []string `toml:"backends"`
	Device    int      `toml:"device"`
	Workers   int      `toml:"workers"`
	LocalSize int      `toml:"local_size"`
	BatchSize uint64   `toml:"batch_size"`
	Limit     uint64   `toml:"limit"`
	ZeroBits  int      `toml:"zero_bits"`
	Prefix    string   `toml:"prefix"`
}

// SyncConfig controls how the miner talks to the remote.
type SyncConfig struct {
	Push          bool `toml:"push"`
	FetchInterval int  `toml:"fetch_interval_seconds"`
	WatchRefs     bool `toml:"watch_refs"`
	Rounds        int  `toml:"rounds"` // 0 runs until stopped
}

// ProgressConfig controls progress output.
type ProgressConfig struct {
	Bar             bool `toml:"bar"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// IPCConfig holds the status socket.
type IPCConfig struct {
	Socket string `toml:"socket"`
}

// JournalConfig locates the round journal. An empty path disables it.
type JournalConfig struct {
	Path string `toml:"path"`
}

// FetchEvery returns the fetch period, zero when disabled.
func (s SyncConfig) FetchEvery() time.Duration {
	return time.Duration(s.FetchInterval) * time.Second
}

// Interval returns the progress log period.
func (p ProgressConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// DefaultMinerConfig returns a MinerConfig with sensible defaults.
func DefaultMinerConfig() MinerConfig {
	paths := DefaultPaths()
	return MinerConfig{
		Repository: RepositoryConfig{
			WorkDir: paths.WorkDir,
			Remote:  "origin",
			Branch:  "master",
			Ledger:  "LEDGER.txt",
		},
		Identity: IdentityConfig{
			Zone: "+0000",
		},
		Message: MessageConfig{
			Template: "Mined a coin for {user} at {timestamp}",
		},
		Search: SearchConfig{
			Backends: []string{"opencl", "cpu", "reference"},
			ZeroBits: 24,
		},
		Sync: SyncConfig{
			Push:          true,
			FetchInterval: 30,
			WatchRefs:     true,
		},
		Progress: ProgressConfig{
			IntervalSeconds: 10,
		},
		IPC: IPCConfig{
			Socket: paths.MinerSocket,
		},
		Journal: JournalConfig{
			Path: paths.Journal,
		},
	}
}

// LoadMinerConfig loads a MinerConfig from a TOML file over the defaults.
// Paths with ~ are expanded to the user's home directory.
func LoadMinerConfig(path string) (*MinerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultMinerConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	cfg.ExpandPaths()

	return &cfg, nil
}

// ExpandPaths expands ~ in every path setting.
func (c *MinerConfig) ExpandPaths() {
	c.Repository.WorkDir = ExpandPath(c.Repository.WorkDir)
	c.IPC.Socket = ExpandPath(c.IPC.Socket)
	c.Journal.Path = ExpandPath(c.Journal.Path)
}

// AuthorLine returns the commit identity, "Name <email>".
func (c *MinerConfig) AuthorLine() string {
	if c.Identity.Author != "" {
		return c.Identity.Author
	}
	return c.Identity.User + " <" + c.Identity.User + "@commitminer>"
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid")

// Validate checks settings the miner cannot run without.
func (c *MinerConfig) Validate() error {
	var problems []string
	if c.Identity.User == "" {
		problems = append(problems, "identity.user is required")
	}
	if strings.ContainsAny(c.Identity.User, ":\n\r\x00") {
		problems = append(problems, "identity.user must not contain ':' or line breaks")
	}
	if c.Repository.WorkDir == "" {
		problems = append(problems, "repository.workdir is required")
	}
	if c.Search.Limit > nonce.Space {
		problems = append(problems, fmt.Sprintf("search.limit must be at most %d", nonce.Space))
	}
	if c.Search.ZeroBits < 0 || c.Search.ZeroBits > 160 {
		problems = append(problems, "search.zero_bits must be between 0 and 160")
	}
	if c.Sync.FetchInterval < 0 {
		problems = append(problems, "sync.fetch_interval_seconds must not be negative")
	}
	if c.Sync.Rounds < 0 {
		problems = append(problems, "sync.rounds must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
