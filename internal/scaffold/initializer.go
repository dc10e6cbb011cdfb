package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/ccss/internal/config"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFileName is the file written by Initialize.
const ConfigFileName = "ccss.yml"

// DefaultConfig returns the default ccss.yml content.
func DefaultConfig() ([]byte, error) {
	content, err := templatesFS.ReadFile("templates/ccss.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read ccss.yml template: %w", err)
	}
	return content, nil
}

// Initialize writes a default ccss.yml into dir and returns its path.
// If force is false and the file exists, Initialize fails without touching it.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, ConfigFileName)

	if force {
		if err := handleForce(path); err != nil {
			return "", err
		}
	} else if err := CheckExisting(dir); err != nil {
		return "", err
	}

	content, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := validateCreatedFile(path); err != nil {
		return "", err
	}

	return path, nil
}

// handleForce removes an existing config so it can be rewritten
func handleForce(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", filepath.Base(path))
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// validateCreatedFile checks the written file is YAML that passes config validation
func validateCreatedFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", ConfigFileName, err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return fmt.Errorf("created %s is not valid YAML: %w", ConfigFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("created %s is not a valid configuration: %w", ConfigFileName, err)
	}

	return nil
}
