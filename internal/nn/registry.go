package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	Identity  = "identity"
	Rectifier = "rect"
	Tanh      = "tanh"
	Sigmoid   = "sigmoid"
)

var (
	ErrTransformExists   = errors.New("transform already registered")
	ErrTransformNotFound = errors.New("transform not found")
	ErrTransformBuiltin  = errors.New("transform name is reserved")
)

// TransformFunc is an elementwise nonlinearity.
type TransformFunc func(x float64) float64

var transformRegistry = struct {
	mu sync.RWMutex
	m  map[string]TransformFunc
}{
	m: make(map[string]TransformFunc),
}

func init() {
	initializeBuiltInTransforms()
}

func initializeBuiltInTransforms() {
	transformRegistry.m[Identity] = func(x float64) float64 { return x }
	transformRegistry.m[Rectifier] = func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	}
	transformRegistry.m[Tanh] = math.Tanh
	transformRegistry.m[Sigmoid] = func(x float64) float64 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
}

func isBuiltin(name string) bool {
	switch name {
	case Identity, Rectifier, Tanh, Sigmoid:
		return true
	}
	return false
}

// RegisterTransform makes a user-supplied nonlinearity selectable by name.
func RegisterTransform(name string, fn TransformFunc) error {
	if name == "" {
		return errors.New("transform name is required")
	}
	if fn == nil {
		return errors.New("transform function is required")
	}
	if isBuiltin(name) {
		return fmt.Errorf("%w: %s", ErrTransformBuiltin, name)
	}

	transformRegistry.mu.Lock()
	defer transformRegistry.mu.Unlock()

	if _, exists := transformRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrTransformExists, name)
	}
	transformRegistry.m[name] = fn
	return nil
}

func MustRegisterTransform(name string, fn TransformFunc) {
	if err := RegisterTransform(name, fn); err != nil {
		panic(err)
	}
}

func GetTransform(name string) (TransformFunc, error) {
	transformRegistry.mu.RLock()
	fn, ok := transformRegistry.m[name]
	transformRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransformNotFound, name)
	}
	return fn, nil
}

func ListTransforms() []string {
	transformRegistry.mu.RLock()
	defer transformRegistry.mu.RUnlock()

	names := make([]string, 0, len(transformRegistry.m))
	for name := range transformRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetTransformRegistryForTests() {
	transformRegistry.mu.Lock()
	transformRegistry.m = make(map[string]TransformFunc)
	initializeBuiltInTransforms()
	transformRegistry.mu.Unlock()
}
