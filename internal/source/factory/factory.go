// Package factory constructs source adapters from configuration tags. It
// lives apart from package source so that adapters can import the contract
// without a cycle.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/linkhaven/linkhaven/internal/source"
	"github.com/linkhaven/linkhaven/internal/source/clouddb"
	"github.com/linkhaven/linkhaven/internal/source/dropbox"
	"github.com/linkhaven/linkhaven/internal/source/gdrive"
	"github.com/linkhaven/linkhaven/internal/source/github"
	"github.com/linkhaven/linkhaven/internal/source/localfile"
	"go.uber.org/zap"
)

// Constructor builds a source adapter from its configuration.
type Constructor func(cfg source.Config, logger *zap.Logger) (source.Source, error)

// Factory maps provider tags to constructors. The zero value is unusable;
// use New, which pre-registers every built-in adapter.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	logger       *zap.Logger
}

// New returns a factory with all built-in adapters registered.
func New(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{constructors: make(map[string]Constructor), logger: logger}

	f.Register(localfile.TypeTag, func(cfg source.Config, _ *zap.Logger) (source.Source, error) {
		return localfile.New(cfg)
	})
	f.Register(github.TypeTag, func(cfg source.Config, _ *zap.Logger) (source.Source, error) {
		return github.New(cfg)
	})
	f.Register(dropbox.TypeTag, func(cfg source.Config, _ *zap.Logger) (source.Source, error) {
		return dropbox.New(cfg)
	})
	f.Register(gdrive.TypeTag, func(cfg source.Config, _ *zap.Logger) (source.Source, error) {
		return gdrive.New(cfg)
	})
	f.Register(clouddb.TypeTag, func(cfg source.Config, logger *zap.Logger) (source.Source, error) {
		return clouddb.New(cfg, logger)
	})
	return f
}

// Register adds or replaces a constructor for a provider tag.
func (f *Factory) Register(tag string, build Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[tag] = build
}

// Build constructs the adapter for cfg.Type and validates its configuration.
func (f *Factory) Build(cfg source.Config) (source.Source, error) {
	f.mu.RLock()
	build, ok := f.constructors[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, source.NewError(source.CodeValidation,
			fmt.Sprintf("source: unknown provider type %q", cfg.Type), nil)
	}

	adapter, err := build(cfg, f.logger)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateConfig(); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Tags lists the registered provider tags in stable order.
func (f *Factory) Tags() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tags := make([]string, 0, len(f.constructors))
	for tag := range f.constructors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
