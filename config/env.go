// Package config loads the environment-variable options of spec.md §6:
// typed getters with defaults, an optional key prefix, and Must* variants
// that panic on a missing required value at startup rather than limping
// along with a zero value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads typed values from the process environment, optionally
// under a common key prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader. prefix may be empty.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (ec *EnvConfig) MustGetString(key string) string {
	full := ec.buildKey(key)
	v := os.Getenv(full)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", full))
	}
	return v
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
