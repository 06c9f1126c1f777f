// Package config loads the environment-configurable policy surface (spec
// §6) from MACHINA_-prefixed environment variables, plus an optional YAML
// profile file overlay.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime-tunable policy surface. Every field has an
// environment variable and, where applicable, a YAML profile-file key of
// the same name in snake_case.
type Config struct {
	Profile string `yaml:"profile"`

	SelectorTimeoutMS int64  `yaml:"selector_timeout_ms"`
	PluginAllowedCaps string `yaml:"plugin_allowed_caps"`
	LeaseEnforce      bool   `yaml:"lease_enforce"`
	WALFsync          bool   `yaml:"wal_fsync"`
	SyscallProfile    string `yaml:"syscall_profile"`

	MaxSteps        int `yaml:"max_steps"`
	MaxInvalidPicks int `yaml:"max_invalid_picks"`
}

// Defaults mirrors spec §4.J's stated budget defaults and a conservative
// syscall/lease posture.
func Defaults() Config {
	return Config{
		Profile:           "default",
		SelectorTimeoutMS: 5000,
		PluginAllowedCaps: "all",
		LeaseEnforce:      true,
		WALFsync:          false,
		SyscallProfile:    "strict",
		MaxSteps:          64,
		MaxInvalidPicks:   8,
	}
}

// FromEnv overlays config with any MACHINA_-prefixed environment variables
// that are set, starting from Defaults().
func FromEnv() Config {
	c := Defaults()
	if v, ok := lookupEnv("MACHINA_PROFILE"); ok {
		c.Profile = v
	}
	if v, ok := envInt64("MACHINA_SELECTOR_TIMEOUT_MS"); ok {
		c.SelectorTimeoutMS = v
	}
	if v, ok := lookupEnv("MACHINA_PLUGIN_ALLOWED_CAPS"); ok {
		c.PluginAllowedCaps = v
	}
	if v, ok := envBool("MACHINA_LEASE_ENFORCE"); ok {
		c.LeaseEnforce = v
	}
	if v, ok := envBool("MACHINA_WAL_FSYNC"); ok {
		c.WALFsync = v
	}
	if v, ok := lookupEnv("MACHINA_SYSCALL_PROFILE"); ok {
		c.SyscallProfile = v
	}
	if v, ok := envInt("MACHINA_MAX_STEPS"); ok {
		c.MaxSteps = v
	}
	if v, ok := envInt("MACHINA_MAX_INVALID_PICKS"); ok {
		c.MaxInvalidPicks = v
	}
	return c
}

// LoadYAMLFile reads a YAML profile file and overlays its non-zero fields
// onto base.
func LoadYAMLFile(base Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return LoadYAML(base, raw)
}

// LoadYAML parses raw YAML and overlays it onto base. Unset (zero) fields in
// the YAML document leave base's corresponding field untouched. Booleans are
// OR'd onto base: a YAML true sets them, but an explicit false is
// indistinguishable from an absent key and leaves base's value, so YAML
// cannot clear a boolean that base has set.
func LoadYAML(base Config, raw []byte) (Config, error) {
	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Config{}, err
	}
	out := base
	if overlay.Profile != "" {
		out.Profile = overlay.Profile
	}
	if overlay.SelectorTimeoutMS != 0 {
		out.SelectorTimeoutMS = overlay.SelectorTimeoutMS
	}
	if overlay.PluginAllowedCaps != "" {
		out.PluginAllowedCaps = overlay.PluginAllowedCaps
	}
	if overlay.SyscallProfile != "" {
		out.SyscallProfile = overlay.SyscallProfile
	}
	if overlay.MaxSteps != 0 {
		out.MaxSteps = overlay.MaxSteps
	}
	if overlay.MaxInvalidPicks != 0 {
		out.MaxInvalidPicks = overlay.MaxInvalidPicks
	}
	out.LeaseEnforce = overlay.LeaseEnforce || base.LeaseEnforce
	out.WALFsync = overlay.WALFsync || base.WALFsync
	return out, nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// SelectorTimeout renders SelectorTimeoutMS as a time.Duration.
func (c Config) SelectorTimeout() time.Duration {
	return time.Duration(c.SelectorTimeoutMS) * time.Millisecond
}
