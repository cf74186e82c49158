// Package config provides loading of workflow definition documents.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drover-io/drover/pkg/models"
)

// LoadDefinition reads a workflow definition document (YAML or JSON) from
// disk and returns the parsed, validated definition.
func LoadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}

	def, err := models.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow definition %s: %w", path, err)
	}

	return def, nil
}

// DiscoverDefinitions returns the definition documents under dir, sorted by
// path. Only .yaml, .yml and .json files are considered.
func DiscoverDefinitions(dir string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return nil
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan definitions directory %s: %w", dir, err)
	}

	sort.Strings(paths)

	return paths, nil
}
