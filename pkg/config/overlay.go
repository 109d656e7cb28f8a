package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// overlayFile decodes the YAML file at path on top of cfg.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return overlay(cfg, data)
}

// overlay decodes data on top of cfg. Keys present in the document replace
// the current value, explicit zeros included; absent keys keep it. Unknown
// keys are an error. cfg is left as it was when decoding fails.
func overlay(cfg *Config, data []byte) error {
	next := *cfg
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&next); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	*cfg = next
	return nil
}
