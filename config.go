package access

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	// RootAssetID is the asset used when a check names no asset. Zero asks
	// the store for the top-level asset.
	RootAssetID int64 `json:"root_asset_id" yaml:"root_asset_id"`
	// GuestGroupID is the group of anonymous visitors.
	GuestGroupID int64 `json:"guest_group_id" yaml:"guest_group_id"`
	// PublicGroupID is used when a user resolves to no group at all.
	PublicGroupID int64 `json:"public_group_id" yaml:"public_group_id"`
	// PublicViewLevel is always part of the authorised view levels.
	PublicViewLevel int64 `json:"public_view_level" yaml:"public_view_level"`
	// PerActionCache lists actions whose permissions may be cached per action
	// instead of for all actions at once.
	PerActionCache []string `json:"per_action_cache" yaml:"per_action_cache"`
	// PermissionCacheSize bounds the permission cache; 0 means unbounded.
	PermissionCacheSize int `json:"permission_cache_size" yaml:"permission_cache_size"`

	TitleCache TitleCacheConfig `json:"title_cache" yaml:"title_cache"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Log        LogConfig        `json:"log" yaml:"log"`

	Seed *Seed `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// TitleCacheConfig sizes the ristretto cache holding group titles.
type TitleCacheConfig struct {
	NumCounters int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	MaxCost     int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	BufferItems int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

func (c TitleCacheConfig) withDefaults() TitleCacheConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 10_000
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1_000
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	return c
}

type DatabaseConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	DSN         string `json:"dsn" yaml:"dsn"`
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type AuditConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Buffer  int  `json:"buffer" yaml:"buffer"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Seed is fixture data for a store: trees, memberships, permissions and
// view levels. Nodes without lft/rgt get them computed from parent ids.
type Seed struct {
	Assets      []AssetSeed      `json:"assets" yaml:"assets"`
	Groups      []GroupSeed      `json:"groups" yaml:"groups"`
	Memberships []MembershipSeed `json:"memberships" yaml:"memberships"`
	Permissions []PermissionSeed `json:"permissions" yaml:"permissions"`
	ViewLevels  []ViewLevelSeed  `json:"view_levels" yaml:"view_levels"`
}

type AssetSeed struct {
	ID       int64  `json:"id" yaml:"id"`
	ParentID int64  `json:"parent_id" yaml:"parent_id"`
	Lft      int64  `json:"lft" yaml:"lft"`
	Rgt      int64  `json:"rgt" yaml:"rgt"`
	Name     string `json:"name" yaml:"name"`
	Title    string `json:"title" yaml:"title"`
	Rules    string `json:"rules" yaml:"rules"`
}

type GroupSeed struct {
	ID       int64  `json:"id" yaml:"id"`
	ParentID int64  `json:"parent_id" yaml:"parent_id"`
	Lft      int64  `json:"lft" yaml:"lft"`
	Rgt      int64  `json:"rgt" yaml:"rgt"`
	Title    string `json:"title" yaml:"title"`
}

type MembershipSeed struct {
	UserID  int64 `json:"user_id" yaml:"user_id"`
	GroupID int64 `json:"group_id" yaml:"group_id"`
}

type PermissionSeed struct {
	AssetID int64  `json:"asset_id" yaml:"asset_id"`
	Action  string `json:"action" yaml:"action"`
	GroupID int64  `json:"group_id" yaml:"group_id"`
	Value   int    `json:"value" yaml:"value"`
}

type ViewLevelSeed struct {
	ID    int64   `json:"id" yaml:"id"`
	Title string  `json:"title" yaml:"title"`
	Rules []int64 `json:"rules" yaml:"rules"`
}

// DefaultConfig returns the configuration of a stock install.
func DefaultConfig() Config {
	return Config{
		GuestGroupID:    1,
		PublicGroupID:   1,
		PublicViewLevel: 1,
		Database:        DatabaseConfig{Driver: "sqlite", DSN: "file:access.db"},
		Audit:           AuditConfig{Buffer: 1024},
		Log:             LogConfig{Level: "info"},
	}
}

// Validate reports configuration values the engine cannot work with.
func (c *Config) Validate() error {
	if c.GuestGroupID < 0 || c.PublicGroupID < 0 {
		return fmt.Errorf("group ids must not be negative")
	}
	if c.PublicViewLevel <= 0 {
		return fmt.Errorf("public_view_level must be positive")
	}
	if c.PermissionCacheSize < 0 {
		return fmt.Errorf("permission_cache_size must not be negative")
	}
	if c.Audit.Buffer < 0 {
		return fmt.Errorf("audit.buffer must not be negative")
	}
	for _, a := range c.PerActionCache {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("per_action_cache contains an empty action")
		}
	}
	return nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadYAML decodes data on top of DefaultConfig.
func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode yaml config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadJSON decodes data on top of DefaultConfig.
func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode json config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile picks the decoder from the file extension (.json, .yaml, .yml).
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	}
	return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
}
