// Package config loads the tracker configuration from YAML. Every section
// starts from its package defaults, so a file only needs the keys it changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/editor"
	"github.com/tokamak/kantan/internal/server"
)

// Config is the whole tracker configuration.
type Config struct {
	Log       log.Config      `yaml:"log"`
	Transport protocol.Config `yaml:"transport"`
	Server    server.Config   `yaml:"server"`
	Editor    editor.Config   `yaml:"editor"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:       log.Config{Level: log.LevelInfo.String(), Encoding: "console"},
		Transport: protocol.DefaultConfig(),
		Server:    server.DefaultConfig(),
		Editor:    editor.DefaultConfig(),
	}
}

// Load decodes YAML from r on top of Default and validates the result. An
// empty document yields the defaults.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads path with Load. An empty path returns Default.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Load(bytes.NewReader(data))
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Editor.Validate(); err != nil {
		return fmt.Errorf("editor: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
