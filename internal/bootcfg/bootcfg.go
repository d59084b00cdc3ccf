// Package bootcfg loads the broker's startup configuration: rank, size,
// topology arity, parent/bind endpoints, and security parameters, read from
// a single TOML file via BurntSushi/toml.
package bootcfg

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/garlick/flux-core/internal/fsd"
	"github.com/garlick/flux-core/internal/hostlist"
	"github.com/garlick/flux-core/internal/security"
)

// Duration is a time interval given as an FSD literal in the config file
// ("5s", "2m", "1.5h"); toml decodes it through UnmarshalText.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := fsd.Parse(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Peer is one entry in the authorized-peers table: a role name and its
// long-term CURVE public key.
type Peer struct {
	Role      string `toml:"role"`
	PublicKey string `toml:"public_key"`
}

// Config is the broker's full startup configuration, loaded from a single
// TOML file and handed to cmd/flux-broker.
type Config struct {
	Rank  int `toml:"rank"`
	Size  int `toml:"size"`
	Arity int `toml:"arity"`

	// Hosts is an optional bracketed hostlist expression naming every
	// broker by rank, e.g. "node[0-15]"; when set it must expand to
	// exactly Size names.
	Hosts string `toml:"hosts"`

	BindURI string `toml:"bind_uri"`

	ParentURI string `toml:"parent_uri"`
	ParentKey string `toml:"parent_public_key"`

	CertPath string `toml:"cert_path"` // <role>_private file for this rank

	Peers []Peer `toml:"peers"`

	SyncMin Duration `toml:"sync_min"`
	SyncMax Duration `toml:"sync_max"`
	IdleMin Duration `toml:"idle_min"`
	IdleMax Duration `toml:"idle_max"`
}

// Defaults mirror the overlay's keepalive/idle cadence; a config
// file may override any of them.
const (
	DefaultSyncMin = 2 * time.Second
	DefaultSyncMax = 10 * time.Second
	DefaultIdleMin = 20 * time.Second
	DefaultIdleMax = 60 * time.Second
)

// Load reads and validates a broker configuration from path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("bootcfg: %s: %w", path, err)
	}
	if c.SyncMin.Duration == 0 {
		c.SyncMin.Duration = DefaultSyncMin
	}
	if c.SyncMax.Duration == 0 {
		c.SyncMax.Duration = DefaultSyncMax
	}
	if c.IdleMin.Duration == 0 {
		c.IdleMin.Duration = DefaultIdleMin
	}
	if c.IdleMax.Duration == 0 {
		c.IdleMax.Duration = DefaultIdleMax
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("bootcfg: size must be positive")
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("bootcfg: rank %d out of range [0,%d)", c.Rank, c.Size)
	}
	if c.Arity < 1 {
		return fmt.Errorf("bootcfg: arity must be >= 1")
	}
	if c.Rank > 0 && (c.ParentURI == "" || c.ParentKey == "") {
		return fmt.Errorf("bootcfg: rank > 0 requires parent_uri and parent_public_key")
	}
	if c.Hosts != "" {
		names, err := hostlist.Expand(c.Hosts)
		if err != nil {
			return fmt.Errorf("bootcfg: hosts: %w", err)
		}
		if len(names) != c.Size {
			return fmt.Errorf("bootcfg: hosts expands to %d names, want size %d", len(names), c.Size)
		}
	}
	if _, err := os.Stat(c.CertPath); err != nil {
		return fmt.Errorf("bootcfg: cert_path: %w", err)
	}
	return nil
}

// Hostname returns the configured hostname for rank r, or "" when no hosts
// list was configured.
func (c *Config) Hostname(r int) string {
	if c.Hosts == "" {
		return ""
	}
	names, err := hostlist.Expand(c.Hosts)
	if err != nil || r < 0 || r >= len(names) {
		return ""
	}
	return names[r]
}

// LoadKeyPair loads this rank's own CURVE keypair from CertPath.
func (c *Config) LoadKeyPair() (security.KeyPair, error) {
	return security.LoadKeyPair(c.CertPath)
}

// BuildCertStore constructs a CertStore authorizing every configured peer.
func (c *Config) BuildCertStore() *security.CertStore {
	store := security.NewCertStore()
	for _, p := range c.Peers {
		store.Authorize(p.Role, p.PublicKey)
	}
	return store
}
