package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryPublisher collects published payloads per queue, for tests.
type MemoryPublisher struct {
	mu    sync.Mutex
	items map[string][][]byte
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{items: make(map[string][][]byte)}
}

func (p *MemoryPublisher) Publish(_ context.Context, queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[queue] = append(p.items[queue], data)
	return nil
}

// Len reports how many items a queue has received.
func (p *MemoryPublisher) Len(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items[queue])
}

// Decode unmarshals the i-th item on a queue into out.
func (p *MemoryPublisher) Decode(queue string, i int, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Unmarshal(p.items[queue][i], out)
}
