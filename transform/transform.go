// Package transform maps change events to output records.
//
// Transformers are pure: they perform no I/O and never modify the event.
// A transformer that does not recognize an event returns no records.
package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/changerelay/common"
)

// Transformer maps one change event to zero or more records
type Transformer interface {
	Name() string
	Transform(event common.ChangeEvent) ([]common.Record, error)
}

// Timestamp formats for the attribute added to output documents
const (
	TimestampRFC3339 = "rfc3339" // 2006-01-02T15:04:05.000Z
	TimestampUnixMS  = "unix_ms" // int64 milliseconds
	TimestampDate    = "date"    // BSON date
)

// Options configures the built-in transformers
type Options struct {
	IDField         string
	TimestampField  string
	TimestampFormat string
	ConnectorName   string
}

func DefaultOptions() Options {
	return Options{
		IDField:         "_id",
		TimestampField:  "timestamp",
		TimestampFormat: TimestampRFC3339,
		ConnectorName:   "changerelay",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IDField == "" {
		o.IDField = d.IDField
	}
	if o.TimestampField == "" {
		o.TimestampField = d.TimestampField
	}
	if o.TimestampFormat == "" {
		o.TimestampFormat = d.TimestampFormat
	}
	if o.ConnectorName == "" {
		o.ConnectorName = d.ConnectorName
	}
	return o
}

// Factory creates a Transformer from options
type Factory func(Options) (Transformer, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a transformer factory under name
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// Available returns the registered transformer names, sorted
func Available() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the transformer registered under name
func New(name string, opts Options) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := factories[name]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transformer: %s", name)
	}
	return factory(opts.withDefaults())
}

// Registry applies an ordered list of transformers to each event
type Registry struct {
	transformers []Transformer
}

func NewRegistry(transformers ...Transformer) *Registry {
	return &Registry{transformers: transformers}
}

// Build creates a Registry from registered transformer names, in order
func Build(names []string, opts Options) (*Registry, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one transformer is required")
	}
	transformers := make([]Transformer, 0, len(names))
	for _, name := range names {
		t, err := New(name, opts)
		if err != nil {
			return nil, err
		}
		transformers = append(transformers, t)
	}
	return NewRegistry(transformers...), nil
}

// Names returns the transformer names in application order
func (r *Registry) Names() []string {
	names := make([]string, len(r.transformers))
	for i, t := range r.transformers {
		names[i] = t.Name()
	}
	return names
}

// Apply concatenates the output of every transformer in registration order.
// The first failing transformer aborts with a *common.TransformError.
func (r *Registry) Apply(event common.ChangeEvent) ([]common.Record, error) {
	var records []common.Record
	for _, t := range r.transformers {
		out, err := t.Transform(event)
		if err != nil {
			return nil, &common.TransformError{Transformer: t.Name(), Token: event.Token, Err: err}
		}
		records = append(records, out...)
	}
	return records, nil
}
