// Package registry resolves executor names from workflow definitions into
// concrete implementations. Executors register at startup, either compiled in
// or loaded from Go plugins.
package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"

	"github.com/drover-io/drover/pkg/protocol"
)

type Registry struct {
	logger            *slog.Logger
	executorFactories map[string]protocol.ExecutorFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:            logger.With("module", "registry"),
		executorFactories: make(map[string]protocol.ExecutorFactory),
	}
}

func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.executorFactories[factory.ID()] = factory
}

// CreateExecutor builds the executor a step names, or fails when nothing is
// registered under that name.
func (r *Registry) CreateExecutor(executor string, config map[string]any) (protocol.StepExecutor, error) {
	factory, ok := r.executorFactories[executor]
	if !ok {
		return nil, fmt.Errorf("executor %q not registered", executor)
	}

	return factory.Create(config)
}

// Executors returns the registered executor names, sorted for stable output.
func (r *Registry) Executors() []string {
	names := make([]string, 0, len(r.executorFactories))
	for name := range r.executorFactories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// LoadExecutorPlugins opens every .so under <pluginsPath>/executors and
// registers the ExecutorFactory each exports under the symbol "Executor".
func (r *Registry) LoadExecutorPlugins(pluginsPath string) error {
	factories, err := loadPlugins[protocol.ExecutorFactory](r.logger, pluginsPath, "Executor")
	if err != nil {
		return err
	}

	for _, factory := range factories {
		r.RegisterExecutor(factory)
	}

	return nil
}

func loadPlugins[T any](logger *slog.Logger, pluginsPath, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/executors"

	paths, err := fs.Glob(os.DirFS(rootPath), "**/*.so")
	if err != nil {
		return nil, fmt.Errorf("scanning plugins in %s: %w", rootPath, err)
	}

	l := logger.With(slog.String("path", rootPath), slog.String("symbol", symbolName))
	l.Info("Loading plugins", slog.Int("count", len(paths)))

	loaded := make([]T, 0, len(paths))

	for _, p := range paths {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("opening plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no %s symbol: %w", p, symbolName, err)
		}

		cast, ok := symbol.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has the wrong type", p, symbolName)
		}

		loaded = append(loaded, cast)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return loaded, nil
}
