// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ServiceAdapter is the fleet's view of one external service integration. The
// real API clients live outside this core; the scheduler machinery only needs
// to know how a service is polled and what call budgets it declares.
type ServiceAdapter interface {
	ID() string

	// RequiresPolling reports whether partial-sync triggers must be discovered
	// by polling rather than delivered by push.
	RequiresPolling() bool
	// PollIndexCount is the number of independent shards the service's polling
	// is split across.
	PollIndexCount() int
	// PollInterval is the minimum spacing between polls of one shard.
	PollInterval() time.Duration

	// PollPartialSyncTrigger asks the service which external accounts changed
	// since the last check for the given shard.
	PollPartialSyncTrigger(ctx context.Context, index int) ([]string, error)

	// GlobalRateLimits declares the service's call budgets.
	GlobalRateLimits() []RateLimitSpec
}

// ServiceRegistry maps service ids to adapters.
type ServiceRegistry struct {
	mu       sync.RWMutex
	adapters map[string]ServiceAdapter
}

func NewServiceRegistry(adapters ...ServiceAdapter) *ServiceRegistry {
	r := &ServiceRegistry{adapters: make(map[string]ServiceAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

func (r *ServiceRegistry) Register(adapter ServiceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
}

func (r *ServiceRegistry) FromID(id string) (ServiceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", id)
	}
	return adapter, nil
}

// List returns all adapters in stable id order.
func (r *ServiceRegistry) List() []ServiceAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
