// Package config resolves uploader defaults from the environment. Values
// come from a .env file in the working tree root when present, overridden
// by real environment variables, overridden in turn by command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"artemisflash/internal/firmware"
)

type Config struct {
	Port string
	Baud int

	Flash firmware.Options
}

var loaded *Config

// Load resolves the configuration once per process.
func Load() (*Config, error) {
	if loaded != nil {
		return loaded, nil
	}

	// Best effort: a missing .env file is not an error.
	if root := findProjectRoot(); root != "" {
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}

	cfg := &Config{
		Baud:  115200,
		Flash: firmware.DefaultOptions(),
	}

	if port := os.Getenv("ARTEMIS_PORT"); port != "" {
		cfg.Port = port
	}
	if v, ok := envInt("ARTEMIS_BAUD"); ok {
		cfg.Baud = int(v)
	}
	if v, ok := envInt("ARTEMIS_LOAD_ADDRESS_BLOB"); ok {
		cfg.Flash.LoadAddressBlob = uint32(v)
	}
	if v, ok := envInt("ARTEMIS_LOAD_ADDRESS_IMAGE"); ok {
		cfg.Flash.LoadAddressImage = uint32(v)
	}
	if v, ok := envInt("ARTEMIS_SPLIT"); ok {
		cfg.Flash.Split = uint32(v)
	}
	if v, ok := envInt("ARTEMIS_OTADESC"); ok {
		cfg.Flash.OTADesc = uint32(v)
	}
	if v, ok := envInt("ARTEMIS_RESET_AFTER"); ok {
		cfg.Flash.ResetAfter = int(v)
	}
	if v, ok := envInt("ARTEMIS_ABORT"); ok {
		cfg.Flash.Abort = int(v)
	}
	if v, ok := envInt("ARTEMIS_VERSION"); ok {
		cfg.Flash.Version = uint32(v)
	}

	loaded = cfg
	return cfg, nil
}

// envInt parses a decimal or 0x-prefixed environment value.
func envInt(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
