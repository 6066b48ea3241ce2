package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultQueueCapacity = 1024

// Envelope is one inbound webhook delivery awaiting processing.
type Envelope struct {
	ID            string            `json:"id"`
	Provider      Provider          `json:"provider"`
	DeliveryID    string            `json:"deliveryId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReceivedAt    time.Time         `json:"receivedAt"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Attempts      int               `json:"attempts"`
}

type EnvelopeQueue interface {
	TryEnqueue(env Envelope) bool
	Enqueue(ctx context.Context, env Envelope) bool
	Dequeue(ctx context.Context) (Envelope, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEnvelopeQueue struct {
	ch chan Envelope
}

func NewInMemoryEnvelopeQueue(capacity int) EnvelopeQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryEnvelopeQueue{ch: make(chan Envelope, capacity)}
}

func (q *inMemoryEnvelopeQueue) TryEnqueue(env Envelope) bool {
	if q == nil || env.ID == "" {
		return false
	}
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

func (q *inMemoryEnvelopeQueue) Enqueue(ctx context.Context, env Envelope) bool {
	if q == nil || env.ID == "" {
		return false
	}
	select {
	case q.ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryEnvelopeQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	if q == nil {
		return Envelope{}, false
	}
	select {
	case env := <-q.ch:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

func (q *inMemoryEnvelopeQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEnvelopeQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEnvelopeQueue) Close() error {
	return nil
}

type fileEnvelopeQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Envelope
}

type fileEnvelopeQueueState struct {
	Items []Envelope `json:"items"`
}

// NewFileEnvelopeQueue persists the queue as a JSON document so that
// deliveries survive a restart of a single node.
func NewFileEnvelopeQueue(path string, capacity int) (EnvelopeQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileEnvelopeQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Envelope{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEnvelopeQueue) TryEnqueue(env Envelope) bool {
	if strings.TrimSpace(env.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, env)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEnvelopeQueue) Enqueue(ctx context.Context, env Envelope) bool {
	for {
		if q.TryEnqueue(env) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEnvelopeQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Envelope{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Envelope{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Envelope{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEnvelopeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEnvelopeQueue) Capacity() int {
	return q.capacity
}

func (q *fileEnvelopeQueue) Close() error {
	return nil
}

func (q *fileEnvelopeQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEnvelopeQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Envelope(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Envelope(nil), snapshot.Items...)
	return nil
}

func (q *fileEnvelopeQueue) saveLocked() error {
	data, err := json.Marshal(fileEnvelopeQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
