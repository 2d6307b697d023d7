package process

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds the backend for one worker inside the child process.
type Factory func(Bootstrap) (Backend, error)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a worker type available to spawned children. Call it from
// an init function or before Init so parent and child register identically.
func Register(workerType string, factory Factory) {
	if workerType == "" || factory == nil {
		panic("process: Register needs a type name and a factory")
	}

	registry.Lock()
	defer registry.Unlock()

	if _, dup := registry.factories[workerType]; dup {
		panic(fmt.Sprintf("process: worker type %q registered twice", workerType))
	}
	registry.factories[workerType] = factory
}

// Registered reports whether a worker type exists
func Registered(workerType string) bool {
	registry.RLock()
	defer registry.RUnlock()
	_, ok := registry.factories[workerType]
	return ok
}

// Types lists registered worker types
func Types() []string {
	registry.RLock()
	defer registry.RUnlock()

	types := make([]string, 0, len(registry.factories))
	for t := range registry.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func lookup(workerType string) (Factory, error) {
	registry.RLock()
	defer registry.RUnlock()

	factory, ok := registry.factories[workerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, workerType)
	}
	return factory, nil
}
