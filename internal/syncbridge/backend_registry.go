package syncbridge

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StateFactory func(dsn string, sealer TokenSealer) (State, error)
type EnvelopeQueueFactory func(dsn string, capacity int) (EnvelopeQueue, error)

// backends maps DSN schemes to store constructors. The built-in schemes are
// registered here; RegisterStateFactory and RegisterEnvelopeQueueFactory add
// or replace entries.
var backends = struct {
	mu     sync.RWMutex
	states map[string]StateFactory
	queues map[string]EnvelopeQueueFactory
}{
	states: map[string]StateFactory{
		"":           openFileState,
		"file":       openFileState,
		"memory":     openMemoryState,
		"mem":        openMemoryState,
		"inmem":      openMemoryState,
		"postgres":   openPostgresState,
		"postgresql": openPostgresState,
		"mysql":      unavailableState,
		"sqlite":     unavailableState,
	},
	queues: map[string]EnvelopeQueueFactory{
		"":           openFileQueue,
		"file":       openFileQueue,
		"memory":     openMemoryQueue,
		"mem":        openMemoryQueue,
		"inmem":      openMemoryQueue,
		"postgres":   openPostgresQueue,
		"postgresql": openPostgresQueue,
		"redis":      unavailableQueue,
		"rediss":     unavailableQueue,
		"nats":       unavailableQueue,
		"sqs":        unavailableQueue,
		"kafka":      unavailableQueue,
	},
}

func RegisterStateFactory(scheme string, factory StateFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backends.mu.Lock()
	defer backends.mu.Unlock()
	backends.states[scheme] = factory
}

func RegisterEnvelopeQueueFactory(scheme string, factory EnvelopeQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backends.mu.Lock()
	defer backends.mu.Unlock()
	backends.queues[scheme] = factory
}

// BuildStateFromDSN opens the store named by dsn. An empty dsn yields an
// in-memory store and a bare path a file store.
func BuildStateFromDSN(dsn string, sealer TokenSealer) (State, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryState(), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	backends.mu.RLock()
	factory, ok := backends.states[scheme]
	backends.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
	return factory(dsn, sealer)
}

// BuildEnvelopeQueueFromDSN opens the webhook envelope queue named by dsn,
// in memory when dsn is empty.
func BuildEnvelopeQueueFromDSN(dsn string, capacity int) (EnvelopeQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryEnvelopeQueue(capacity), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	backends.mu.RLock()
	factory, ok := backends.queues[scheme]
	backends.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported envelope queue scheme: %s", scheme)
	}
	return factory(dsn, capacity)
}

func openFileState(dsn string, _ TokenSealer) (State, error) {
	path, err := dsnPath(dsn)
	if err != nil {
		return nil, err
	}
	return NewFileState(path)
}

func openMemoryState(string, TokenSealer) (State, error) {
	return NewMemoryState(), nil
}

func openPostgresState(dsn string, sealer TokenSealer) (State, error) {
	return NewPostgresState(dsn, PostgresStateOptions{Sealer: sealer})
}

func unavailableState(dsn string, _ TokenSealer) (State, error) {
	scheme, _ := dsnScheme(dsn)
	return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
}

func openFileQueue(dsn string, capacity int) (EnvelopeQueue, error) {
	path, err := dsnPath(dsn)
	if err != nil {
		return nil, err
	}
	return NewFileEnvelopeQueue(path, capacity)
}

func openMemoryQueue(_ string, capacity int) (EnvelopeQueue, error) {
	return NewInMemoryEnvelopeQueue(capacity), nil
}

func openPostgresQueue(dsn string, capacity int) (EnvelopeQueue, error) {
	return NewPostgresEnvelopeQueue(dsn, capacity)
}

func unavailableQueue(dsn string, _ int) (EnvelopeQueue, error) {
	scheme, _ := dsnScheme(dsn)
	return nil, fmt.Errorf("%w: envelope queue backend %s", ErrNotImplemented, scheme)
}

func dsnScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return normalizeBackendScheme(parsed.Scheme), nil
}

// dsnPath extracts the file path from "file://path", "file:path" or a bare
// path.
func dsnPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if raw == "" {
			return "", ErrInvalidInput
		}
		return raw, nil
	}
	for _, candidate := range []string{parsed.Path, parsed.Opaque, parsed.Host} {
		if path := strings.TrimSpace(candidate); path != "" {
			return path, nil
		}
	}
	return "", ErrInvalidInput
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
