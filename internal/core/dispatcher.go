package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Processor is an external processing routine. It receives the target
// resource and the job's options and returns an opaque result.
type Processor func(ctx context.Context, target string, opts Options) (Result, error)

// Operation names one registered category/operation pair.
type Operation struct {
	Category Category `json:"category"`
	Name     string   `json:"operation"`
}

// Dispatcher maps a job's category and operation name to a Processor.
// It is safe for concurrent use; registration normally happens once at
// startup.
type Dispatcher struct {
	mu         sync.RWMutex
	processors map[Category]map[string]Processor
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{processors: make(map[Category]map[string]Processor)}
}

// Register binds a processor, replacing any previous binding.
func (d *Dispatcher) Register(category Category, operation string, p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops, ok := d.processors[category]
	if !ok {
		ops = make(map[string]Processor)
		d.processors[category] = ops
	}
	ops[operation] = p
}

func (d *Dispatcher) lookup(category Category, operation string) (Processor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.processors[category][operation]
	return p, ok && p != nil
}

func (d *Dispatcher) Supports(category Category, operation string) bool {
	_, ok := d.lookup(category, operation)
	return ok
}

// Operations returns every registered pair sorted by category then name.
func (d *Dispatcher) Operations() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Operation
	for c, ops := range d.processors {
		for name := range ops {
			out = append(out, Operation{Category: c, Name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Dispatch runs the processor for category/operation. Unknown pairs fail
// with ErrUnsupportedOperation before anything is called.
func (d *Dispatcher) Dispatch(ctx context.Context, category Category, operation, target string, opts Options) (Result, error) {
	p, ok := d.lookup(category, operation)
	if !ok {
		return nil, fmt.Errorf("%w %q for category %q", ErrUnsupportedOperation, operation, category)
	}
	if opts == nil {
		opts = Options{}
	}
	return p(ctx, target, opts)
}
