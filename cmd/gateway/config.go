package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	gateway "github.com/goliatone/go-integration-gateway"
	"github.com/goliatone/go-integration-gateway/core"
	"gopkg.in/yaml.v3"
)

// yamlConfigLoader reads a YAML file as the raw config layer. ${VAR}
// references are expanded from the environment before parsing so secrets
// can stay out of the file.
type yamlConfigLoader struct {
	path string
}

func (l yamlConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseYAMLConfig([]byte(os.ExpandEnv(string(data))))
}

func parseYAMLConfig(data []byte) (map[string]any, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}

func loadConfig(ctx context.Context, path string, runtime gateway.Config) (gateway.Config, error) {
	var loader core.RawConfigLoader = yamlConfigLoader{path: path}
	return gateway.LoadConfig(ctx, loader, runtime)
}
