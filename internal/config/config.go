package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

const appConfigDir = "mailsync"

// Account represents a single Gmail account configuration
type Account struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// OAuth holds the Google OAuth client credentials.
type OAuth struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// Config represents the mailsync configuration
type Config struct {
	Accounts []Account `toml:"accounts"`
	OAuth    OAuth     `toml:"oauth"`
	Sync     Sync      `toml:"sync"`
	Tabs     []Tab     `toml:"tabs"`
}

// WithDefaults fills every unset field.
func (c Config) WithDefaults() Config {
	c.Sync = c.Sync.WithDefaults()
	if len(c.Tabs) == 0 {
		c.Tabs = DefaultTabs()
	}
	return c
}

// Account returns the account named or addressed by nameOrEmail, or the
// first account when it is empty.
func (c *Config) Account(nameOrEmail string) (Account, error) {
	if len(c.Accounts) == 0 {
		return Account{}, errors.New("no accounts configured. Run 'mailsync login <email>' to add one")
	}
	if nameOrEmail == "" {
		return c.Accounts[0], nil
	}
	for _, a := range c.Accounts {
		if a.Name == nameOrEmail || a.Email == nameOrEmail {
			return a, nil
		}
	}
	return Account{}, fmt.Errorf("unknown account %q", nameOrEmail)
}

// AddAccount adds or replaces the account with the same email.
func (c *Config) AddAccount(a Account) {
	for i := range c.Accounts {
		if c.Accounts[i].Email == a.Email {
			c.Accounts[i] = a
			return
		}
	}
	c.Accounts = append(c.Accounts, a)
}

// Tab returns the tab with the given name.
func (c *Config) Tab(name string) (Tab, bool) {
	for _, t := range c.Tabs {
		if t.Name == name {
			return t, true
		}
	}
	return Tab{}, false
}

// ConfigPath returns the path to the config file
func ConfigPath() (string, error) {
	return xdg.ConfigFile(filepath.Join(appConfigDir, "config.toml"))
}

// StatePath returns the path of the navigation state file.
func StatePath() (string, error) {
	return xdg.StateFile(filepath.Join(appConfigDir, "state.toml"))
}

// Load reads the config file from disk
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. A missing file yields an empty config.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return &Config{Accounts: []Account{}}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to disk
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg to path.
func SaveFile(path string, cfg *Config) error {
	// Ensure config directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
