package can

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Device is what the registry hands out: full-duplex blocking I/O on Frame
// plus Close. Callers probe for the optional capabilities with type
// assertions.
type Device interface {
	FrameIo[Frame]
	Close() error
}

// OpenFunc opens a device by driver-specific name (interface, tty, address).
type OpenFunc func(name string) (Device, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]OpenFunc)
)

// Register makes a driver available to Open under kind. Drivers call it
// from init. It panics on an empty kind, a nil func, or a duplicate.
func Register(kind string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if kind == "" || open == nil {
		panic("can: Register with empty kind or nil open func")
	}
	if _, dup := registry[kind]; dup {
		panic("can: Register called twice for driver " + kind)
	}
	registry[kind] = open
}

// Open parses "kind:name" and opens the device with the registered driver,
// e.g. "socketcan:can0", "serial:/dev/ttyUSB0", "cnl:10.0.0.5:20000".
func Open(spec string) (Device, error) {
	kind, name, ok := strings.Cut(spec, ":")
	if !ok || kind == "" {
		return nil, fmt.Errorf("%w: device spec %q (want kind:name)", ErrSyntax, spec)
	}
	registryMu.RLock()
	open := registry[kind]
	registryMu.RUnlock()
	if open == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, kind)
	}
	d, err := open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", spec, err)
	}
	return d, nil
}

// Kinds lists registered driver kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
