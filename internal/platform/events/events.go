// Package events carries inventory stock changes out of the ledger after
// their transaction commits.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	BatchCreated     Type = "batch.created"
	BatchRemoved     Type = "batch.removed"
	BatchAdjusted    Type = "batch.adjusted"
	DrugDispensed    Type = "drug.dispensed"
	DispenseUpdated  Type = "dispense.updated"
	DispenseReversed Type = "dispense.reversed"
	DrugLowStock     Type = "drug.low_stock"
	StockReconciled  Type = "stock.reconciled"
)

// StockEvent describes one committed change to a drug's stock.
type StockEvent struct {
	ID            uuid.UUID  `json:"id"`
	Type          Type       `json:"type"`
	TenantID      string     `json:"tenantId,omitempty"`
	DrugID        uuid.UUID  `json:"drugId"`
	BatchID       *uuid.UUID `json:"batchId,omitempty"`
	DispensedID   *uuid.UUID `json:"dispensedId,omitempty"`
	Delta         int        `json:"delta"`
	BatchQuantity *int       `json:"batchQuantity,omitempty"`
	StockQuantity int        `json:"stockQuantity"`
	ReorderLevel  int        `json:"reorderLevel"`
	Reason        string     `json:"reason,omitempty"`
	Actor         string     `json:"actor,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

// New stamps an event with an id and the current time.
func New(t Type, drugID uuid.UUID) StockEvent {
	return StockEvent{ID: uuid.New(), Type: t, DrugID: drugID, OccurredAt: time.Now().UTC()}
}

// CrossedLowStock reports whether stock moved from above the reorder level
// to at or below it.
func CrossedLowStock(before, after, reorderLevel int) bool {
	return before > reorderLevel && after <= reorderLevel
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evts ...StockEvent) error
}

type Nop struct{}

func (Nop) Publish(context.Context, ...StockEvent) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evts ...StockEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StockEvent
}

func (r *Recorder) Publish(_ context.Context, evts ...StockEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
	return nil
}

func (r *Recorder) Events() []StockEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StockEvent(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
