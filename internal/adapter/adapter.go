// Package adapter defines the assistant adapter contract and the
// registry the provider resolves its configured adapter from.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Capabilities describes what an adapter supports.
type Capabilities struct {
	Streaming bool
}

// Result is the outcome of one adapter run. ExitCode 0 with no error is
// success; a streaming run that produced chunks ignores Output.
type Result struct {
	ExitCode int
	Output   string
}

// StreamWriter receives incremental output during a streaming run.
type StreamWriter interface {
	WriteOutput(chunk string)
}

// Adapter generates one assistant reply per prompt. Implementations
// must honor ctx cancellation as best they can; output produced after
// cancellation is discarded by the caller.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, prompt string) (Result, error)
}

// StreamingAdapter is implemented by adapters that can deliver partial
// output. The dispatcher streams iff Capabilities().Streaming is true
// and this interface is present.
type StreamingAdapter interface {
	Adapter
	ExecuteStreaming(ctx context.Context, prompt string, w StreamWriter) (Result, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Adapter)
)

// Register makes an adapter constructor available under name.
// Registering twice for the same name panics, as does a nil factory.
func Register(name string, factory func() Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("adapter: Register with nil factory")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("adapter: Register called twice for %q", name))
	}
	registry[name] = factory
}

// New constructs the named adapter.
func New(name string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: unknown adapter %q (registered: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered adapters, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
