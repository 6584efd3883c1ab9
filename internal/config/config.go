package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// maxEffectiveCoreSize is the ceiling the semaphore clamps to regardless of
// the configured core_size.
const maxEffectiveCoreSize = 12

// AccountConfig is one upstream bot account as declared in accounts.yaml.
type AccountConfig struct {
	ID             string `yaml:"id"`
	Enabled        bool   `yaml:"enabled"`
	CoreSize       int    `yaml:"core_size"`
	Weight         int    `yaml:"weight"`
	Token          string `yaml:"token"`
	GatewayURL     string `yaml:"gateway_url"`
	MaxRunDuration string `yaml:"max_run_duration"`
}

// EffectiveCoreSize clamps CoreSize into [1, 12].
func (a AccountConfig) EffectiveCoreSize() int {
	if a.CoreSize < 1 {
		return 1
	}
	if a.CoreSize > maxEffectiveCoreSize {
		return maxEffectiveCoreSize
	}
	return a.CoreSize
}

// MaxRunDurationOrDefault parses MaxRunDuration, falling back to def.
func (a AccountConfig) MaxRunDurationOrDefault(def time.Duration) time.Duration {
	if strings.TrimSpace(a.MaxRunDuration) == "" {
		return def
	}
	d, err := time.ParseDuration(a.MaxRunDuration)
	if err != nil {
		return def
	}
	return d
}

// Config is the top-level accounts.yaml document.
type Config struct {
	Balancer string          `yaml:"balancer"`
	Accounts []AccountConfig `yaml:"accounts"`
}

const accountsSchemaJSON = `{
  "type": "object",
  "required": ["accounts"],
  "properties": {
    "balancer": {"type": "string", "enum": ["best_wait_idle", "round_robin", "random", "weight"]},
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "token"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "enabled": {"type": "boolean"},
          "core_size": {"type": "integer", "minimum": 1},
          "weight": {"type": "integer", "minimum": 0},
          "token": {"type": "string", "minLength": 1},
          "gateway_url": {"type": "string"},
          "max_run_duration": {"type": "string"}
        }
      }
    }
  }
}`

func compileAccountsSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(accountsSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal accounts schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("accounts.json", doc); err != nil {
		return nil, fmt.Errorf("add accounts schema resource: %w", err)
	}
	return c.Compile("accounts.json")
}

// Load reads and validates accounts.yaml at path.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read accounts config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse accounts config: %w", err)
	}

	// Re-marshal through YAML->JSON-compatible generic map for schema validation,
	// since jsonschema works over decoded any values, not struct tags.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Config{}, fmt.Errorf("parse accounts config for validation: %w", err)
	}
	schema, err := compileAccountsSchema()
	if err != nil {
		return Config{}, err
	}
	if err := schema.Validate(normalizeForSchema(generic)); err != nil {
		return Config{}, fmt.Errorf("accounts config validation: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if _, dup := seen[a.ID]; dup {
			return Config{}, fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.CoreSize > maxEffectiveCoreSize {
			logger.Warn("account core_size exceeds effective cap, clamping",
				"account_id", a.ID, "core_size", a.CoreSize, "effective_cap", maxEffectiveCoreSize)
		}
	}

	if cfg.Balancer == "" {
		cfg.Balancer = "best_wait_idle"
	}
	return cfg, nil
}

// normalizeForSchema converts map[string]interface{} keyed maps coming out of
// yaml.v3 (which may nest map[string]interface{} already for scalar-keyed
// maps) into the plain structure jsonschema/v6 expects.
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeForSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeForSchema(vv)
		}
		return out
	default:
		return val
	}
}

// LiveConfig wraps a Config with thread-safe hot-reload of per-account
// enabled/core_size/weight fields. Adding or removing accounts requires a
// process restart; ReloadFromFile ignores id-set changes and logs them.
type LiveConfig struct {
	mu     sync.RWMutex
	data   Config
	path   string
	logger *slog.Logger
}

// NewLiveConfig wraps an initial Config snapshot for hot-reload.
func NewLiveConfig(initial Config, path string, logger *slog.Logger) *LiveConfig {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveConfig{data: initial, path: path, logger: logger}
}

// Snapshot returns a defensive copy of the current config.
func (lc *LiveConfig) Snapshot() Config {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	cp := lc.data
	cp.Accounts = append([]AccountConfig(nil), lc.data.Accounts...)
	return cp
}

// Account returns the current config for one account id.
func (lc *LiveConfig) Account(id string) (AccountConfig, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, a := range lc.data.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// ReloadFromFile re-reads accounts.yaml and merges enabled/core_size/weight
// changes into the live set by account id. The account id set itself is
// never changed at runtime: additions and removals are logged and skipped.
func (lc *LiveConfig) ReloadFromFile() error {
	fresh, err := Load(lc.path, lc.logger)
	if err != nil {
		return err
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	byID := make(map[string]AccountConfig, len(fresh.Accounts))
	for _, a := range fresh.Accounts {
		byID[a.ID] = a
	}

	for i, existing := range lc.data.Accounts {
		updated, ok := byID[existing.ID]
		if !ok {
			lc.logger.Warn("account removed from accounts.yaml ignored; restart required", "account_id", existing.ID)
			continue
		}
		lc.data.Accounts[i].Enabled = updated.Enabled
		lc.data.Accounts[i].CoreSize = updated.CoreSize
		lc.data.Accounts[i].Weight = updated.Weight
		delete(byID, existing.ID)
	}
	for id := range byID {
		lc.logger.Warn("new account in accounts.yaml ignored; restart required to add it", "account_id", id)
	}
	if fresh.Balancer != "" {
		lc.data.Balancer = fresh.Balancer
	}
	return nil
}
