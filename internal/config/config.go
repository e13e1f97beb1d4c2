// Package config loads the engine configuration from a YAML file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/obmen/internal/record"
)

// Config holds everything the commands need to run an exchange.
type Config struct {
	// Database is the path of the sqlite file backing the record store.
	Database string `yaml:"database"`

	// ExchangeDir is the file-drop root shared with 1C. The to_1c,
	// from_1c and from_1c/uploaded subdirectories live under it.
	ExchangeDir string `yaml:"exchange_dir"`

	// BatchSize is how many imported objects load between progress
	// log lines. Records are written per object; the record store
	// owns transaction boundaries.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Force keeps an import running past per-object errors instead of
	// aborting the file.
	Force bool `yaml:"force,omitempty"`

	// Interval is the cadence of the run loop between inbox scans and
	// export passes.
	Interval Duration `yaml:"interval,omitempty"`

	// Models declares the record schemas served by the in-memory
	// record store. A deployment that plugs in its own record.Store
	// implementation leaves this empty.
	Models map[string]ModelSpec `yaml:"models,omitempty"`
}

// ModelSpec declares one model for the record registry.
type ModelSpec struct {
	Fields map[string]FieldSpec `yaml:"fields"`
}

// FieldSpec declares one field. The short form is just the type name;
// relational fields use the long form with a relation target:
//
//	name: string
//	city_id: {type: to_one, relation: res.city}
type FieldSpec struct {
	Type     string `yaml:"type"`
	Relation string `yaml:"relation,omitempty"`
}

func (f *FieldSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&f.Type)
	}
	type plain FieldSpec
	return node.Decode((*plain)(f))
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when a field is left out of
// the file.
func Default() Config {
	return Config{
		Database:  "obmen.db",
		BatchSize: 500,
		Interval:  Duration(5 * time.Minute),
	}
}

// Load reads and validates a configuration file. Fields missing from
// the file keep their defaults; unknown fields are rejected so a typo
// never silently disables an option.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", time.Duration(c.Interval))
	}
	for model, spec := range c.Models {
		for name, fs := range spec.Fields {
			kind, ok := fieldKinds[fs.Type]
			if !ok {
				return fmt.Errorf("model %s field %s: unknown type %q", model, name, fs.Type)
			}
			if kind.Relational() {
				if fs.Relation == "" {
					return fmt.Errorf("model %s field %s: %s field needs a relation", model, name, fs.Type)
				}
				if _, ok := c.Models[fs.Relation]; !ok {
					return fmt.Errorf("model %s field %s: relation %q is not declared", model, name, fs.Relation)
				}
			}
		}
	}
	return nil
}

var fieldKinds = map[string]record.Kind{
	"string":    record.KindString,
	"int":       record.KindInt,
	"float":     record.KindFloat,
	"bool":      record.KindBool,
	"date":      record.KindDate,
	"binary":    record.KindBinary,
	"selection": record.KindSelection,
	"to_one":    record.KindToOne,
	"to_many":   record.KindToMany,
}

// Registry builds a record registry from the declared models. Call
// only after Load has validated the configuration.
func (c *Config) Registry() *record.Registry {
	reg := record.NewRegistry()
	for model, spec := range c.Models {
		fields := make(map[string]record.Field, len(spec.Fields))
		for name, fs := range spec.Fields {
			fields[name] = record.Field{
				Name:     name,
				Kind:     fieldKinds[fs.Type],
				Relation: fs.Relation,
			}
		}
		reg.Register(record.Schema{Model: model, Fields: fields})
	}
	return reg
}
