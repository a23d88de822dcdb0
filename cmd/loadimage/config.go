package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gopherimg/pipeline/pipeline"
)

// loadConfig builds a pipeline.Config starting from pipeline.DefaultConfig,
// overlaying any JSON-tagged fields present in the file at path. An empty
// path or a file that does not exist is not an error: the defaults stand.
// Collaborators (DataLoader, DecoderRegistry, Logger, ...) are never part
// of the file — those are wired by the caller afterward.
func loadConfig(path string) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
