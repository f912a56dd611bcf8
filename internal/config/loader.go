// Package config loads and validates the connector configuration from a
// yaml, json, or toml file, chosen by extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/Crewdle/mist-connector-llamacpp/internal/common/fsutil"
)

// Config holds the runtime parameters of the connector. Zero values mean
// "unspecified"; Normalize fills in defaults and Validate rejects values no
// default can repair.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// ModelsDir is scanned for .gguf weights at startup.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// DocsDir, when set, is watched and its files indexed as documents.
	DocsDir string `json:"docs_dir" yaml:"docs_dir" toml:"docs_dir"`

	// ContextSize requested per loaded model.
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	// Threads used for inference; zero lets the runtime decide.
	Threads int `json:"threads" yaml:"threads" toml:"threads"`
	// Sequences per pooled context (concurrent jobs per model).
	Sequences int `json:"sequences" yaml:"sequences" toml:"sequences"`

	// ChunkSize is the maximum document chunk length in characters.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`

	// MaxTokens is the default generation cap per job.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	// Temperature is the default sampling temperature.
	Temperature float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	// MaxContents is the default number of retrieved hits per job.
	MaxContents int `json:"max_contents" yaml:"max_contents" toml:"max_contents"`
	// MaxChunksPerHit is the default chunk window around each hit.
	MaxChunksPerHit int `json:"max_chunks_per_hit" yaml:"max_chunks_per_hit" toml:"max_chunks_per_hit"`
	// Instructions override the built-in default system instructions.
	Instructions string `json:"instructions" yaml:"instructions" toml:"instructions"`

	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// CORSOrigins enables CORS when non-empty.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension. Supports
// .yaml/.yml, .json, and .toml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize expands home-relative paths and fills defaults for unset fields.
func (c *Config) Normalize() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	var err error
	if c.ModelsDir, err = fsutil.ExpandHome(c.ModelsDir); err != nil {
		return fmt.Errorf("models_dir: %w", err)
	}
	if c.DocsDir, err = fsutil.ExpandHome(c.DocsDir); err != nil {
		return fmt.Errorf("docs_dir: %w", err)
	}
	return nil
}

// Validate rejects values that would misconfigure the connector. Call after
// Normalize.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.ContextSize < 0 {
		return fmt.Errorf("context_size must not be negative")
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative")
	}
	if c.Sequences < 0 {
		return fmt.Errorf("sequences must not be negative")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must not be negative")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	if c.ModelsDir != "" && !fsutil.PathExists(c.ModelsDir) {
		return fmt.Errorf("models_dir does not exist: %s", c.ModelsDir)
	}
	if c.DocsDir != "" && !fsutil.PathExists(c.DocsDir) {
		return fmt.Errorf("docs_dir does not exist: %s", c.DocsDir)
	}
	return nil
}
