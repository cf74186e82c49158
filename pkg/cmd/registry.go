// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/drover-io/drover/pkg/registry"
)

func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	if pluginsPath != "" {
		if err := reg.LoadExecutorPlugins(pluginsPath); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
