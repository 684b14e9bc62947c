package publisher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/changerelay/cfg"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// SinkTypes returns the registered sink types, sorted
func SinkTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	types := make([]string, 0, len(sinkFactories))
	for t := range sinkFactories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewSink creates a sink based on the configuration
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}
