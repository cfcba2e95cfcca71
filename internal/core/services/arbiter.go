package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"fuzzbench.harness/internal/core/domain"
)

var (
	ErrNoGPUSlot = errors.New("no GPU slot configured for this run")
	ErrNoCPUSlot = errors.New("no CPU slot configured for this run")
)

// Slot is a borrowed unit of execution capacity.
type Slot struct {
	Kind  domain.SlotKind
	Index int

	owner    *Arbiter
	released atomic.Bool
}

// SlotObserver is told the number of granted slots of a kind after every change.
type SlotObserver func(kind domain.SlotKind, inUse int)

type pool struct {
	kind domain.SlotKind
	size int
	sem  *semaphore.Weighted

	mu    sync.Mutex
	free  []int
	inUse int
}

// Arbiter grants CPU and GPU slots. Each pool serves waiters in FIFO order.
type Arbiter struct {
	cpu      *pool
	gpu      *pool
	observer SlotObserver
}

func NewArbiter(cpuSlots, gpuSlots int, observer SlotObserver) (*Arbiter, error) {
	if cpuSlots < 0 || gpuSlots < 0 {
		return nil, fmt.Errorf("slot counts must not be negative (cpu=%d gpu=%d)", cpuSlots, gpuSlots)
	}
	return &Arbiter{
		cpu:      newPool(domain.SlotCPU, cpuSlots),
		gpu:      newPool(domain.SlotGPU, gpuSlots),
		observer: observer,
	}, nil
}

func newPool(kind domain.SlotKind, size int) *pool {
	p := &pool{kind: kind, size: size, sem: semaphore.NewWeighted(int64(size))}
	for i := size - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Capacity returns the pool size of kind.
func (a *Arbiter) Capacity(kind domain.SlotKind) int {
	return a.poolFor(kind).size
}

// Total is the number of slots across both pools.
func (a *Arbiter) Total() int {
	return a.cpu.size + a.gpu.size
}

// InUse returns the number of currently granted slots of kind.
func (a *Arbiter) InUse(kind domain.SlotKind) int {
	p := a.poolFor(kind)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Acquire blocks until a slot of the requested kind is free. A pool of size
// zero fails immediately with ErrNoGPUSlot or ErrNoCPUSlot.
func (a *Arbiter) Acquire(ctx context.Context, requiresGPU bool) (*Slot, error) {
	p := a.cpu
	if requiresGPU {
		p = a.gpu
	}
	if p.size == 0 {
		if requiresGPU {
			return nil, ErrNoGPUSlot
		}
		return nil, ErrNoCPUSlot
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("arbiter: %s semaphore granted with no free slot", p.kind))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	inUse := p.inUse
	p.mu.Unlock()

	a.notify(p.kind, inUse)
	return &Slot{Kind: p.kind, Index: idx, owner: a}, nil
}

// Release returns s to its pool. Releasing a slot twice, or a slot granted by
// another arbiter, is a programming error and panics.
func (a *Arbiter) Release(s *Slot) {
	if s == nil {
		panic("arbiter: release of nil slot")
	}
	if s.owner != a {
		panic(fmt.Sprintf("arbiter: %s slot %d released to foreign arbiter", s.Kind, s.Index))
	}
	if !s.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("arbiter: double release of %s slot %d", s.Kind, s.Index))
	}

	p := a.poolFor(s.Kind)
	p.mu.Lock()
	p.inUse--
	if p.inUse < 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("arbiter: %s slots in use went negative", p.kind))
	}
	p.free = append(p.free, s.Index)
	inUse := p.inUse
	p.mu.Unlock()

	p.sem.Release(1)
	a.notify(p.kind, inUse)
}

func (a *Arbiter) poolFor(kind domain.SlotKind) *pool {
	if kind == domain.SlotGPU {
		return a.gpu
	}
	return a.cpu
}

func (a *Arbiter) notify(kind domain.SlotKind, inUse int) {
	if a.observer != nil {
		a.observer(kind, inUse)
	}
}
