package core

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryAdapterRegistry maps broker types to their adapter strategy.
// Resolution replaces any per-broker branching in the service.
type MemoryAdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[BrokerType]BrokerAdapter
}

func NewMemoryAdapterRegistry() *MemoryAdapterRegistry {
	return &MemoryAdapterRegistry{
		adapters: map[BrokerType]BrokerAdapter{},
	}
}

func (r *MemoryAdapterRegistry) Register(adapter BrokerAdapter) error {
	if r == nil {
		return fmt.Errorf("core: adapter registry is not configured")
	}
	if adapter == nil {
		return fmt.Errorf("core: adapter is required")
	}
	broker := adapter.Broker()
	if err := broker.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[broker]; exists {
		return fmt.Errorf("core: broker %q already registered", broker)
	}
	r.adapters[broker] = adapter
	return nil
}

func (r *MemoryAdapterRegistry) Resolve(broker BrokerType) (BrokerAdapter, error) {
	if r == nil {
		return nil, fmt.Errorf("core: adapter registry is not configured")
	}

	r.mu.RLock()
	adapter, ok := r.adapters[broker]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("core: broker %q not registered", broker)
	}
	return adapter, nil
}

func (r *MemoryAdapterRegistry) List() []BrokerInfo {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	infos := make([]BrokerInfo, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		infos = append(infos, adapter.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

var _ AdapterRegistry = (*MemoryAdapterRegistry)(nil)
