package participant

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Inventory is an in-memory stock keeper answering ReserveStock and
// ReleaseStock. It backs local demo runs and end-to-end tests.
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]reservation
	// FailRelease makes every ReleaseStock report CompensationFailed.
	FailRelease bool
}

type reservation struct {
	productID string
	quantity  int
}

// NewInventory creates an inventory with the given stock levels.
func NewInventory(stock map[string]int) *Inventory {
	levels := make(map[string]int, len(stock))
	for product, qty := range stock {
		levels[product] = qty
	}
	return &Inventory{stock: levels, reservations: make(map[string]reservation)}
}

// Register wires the inventory actions into r.
func (inv *Inventory) Register(r *Responder) {
	r.Handle(saga.CommandReserveStock, inv.reserve)
	r.Handle(saga.CommandReleaseStock, inv.release)
}

// Available returns the unreserved stock of product.
func (inv *Inventory) Available(product string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stock[product]
}

func (inv *Inventory) reserve(_ context.Context, cmd saga.Command) (Result, error) {
	product, _ := cmd.Payload["productId"].(string)
	quantity, ok := intValue(cmd.Payload["quantity"])
	if product == "" || !ok || quantity <= 0 {
		return Result{
			EventType: saga.EventReservationFailed,
			Payload:   map[string]any{"reason": "invalid reservation request"},
		}, nil
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.stock[product] < quantity {
		return Result{
			EventType: saga.EventReservationFailed,
			Payload:   map[string]any{"reason": fmt.Sprintf("insufficient stock for %s", product)},
		}, nil
	}
	inv.stock[product] -= quantity
	id := uuid.NewString()
	inv.reservations[id] = reservation{productID: product, quantity: quantity}
	return Result{
		EventType: saga.EventReservationSucceeded,
		Payload:   map[string]any{"reservationId": id},
	}, nil
}

func (inv *Inventory) release(_ context.Context, cmd saga.Command) (Result, error) {
	if inv.FailRelease {
		return Result{
			EventType: saga.EventCompensationFailed,
			Payload:   map[string]any{"reason": "inventory release rejected"},
		}, nil
	}
	id, _ := cmd.Payload["reservationId"].(string)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if res, ok := inv.reservations[id]; ok {
		inv.stock[res.productID] += res.quantity
		delete(inv.reservations, id)
	}
	return Result{EventType: saga.EventCompensationSucceeded}, nil
}

// Payments is an in-memory payment processor answering ProcessPayment and
// RefundPayment. Charges above Limit are declined.
type Payments struct {
	mu       sync.Mutex
	Limit    float64
	captured map[string]float64
}

// NewPayments creates a payment processor declining charges above limit.
func NewPayments(limit float64) *Payments {
	return &Payments{Limit: limit, captured: make(map[string]float64)}
}

// Register wires the payment actions into r.
func (p *Payments) Register(r *Responder) {
	r.Handle(saga.CommandProcessPayment, p.charge)
	r.Handle(saga.CommandRefundPayment, p.refund)
}

// Captured returns the total amount currently captured.
func (p *Payments) Captured() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for _, amount := range p.captured {
		total += amount
	}
	return total
}

func (p *Payments) charge(_ context.Context, cmd saga.Command) (Result, error) {
	amount, ok := floatValue(cmd.Payload["amount"])
	if !ok || amount <= 0 {
		return Result{
			EventType: saga.EventPaymentFailed,
			Payload:   map[string]any{"reason": "invalid amount"},
		}, nil
	}
	if amount > p.Limit {
		return Result{
			EventType: saga.EventPaymentFailed,
			Payload:   map[string]any{"reason": "payment declined"},
		}, nil
	}
	ref := uuid.NewString()
	p.mu.Lock()
	p.captured[ref] = amount
	p.mu.Unlock()
	return Result{
		EventType: saga.EventPaymentSucceeded,
		Payload:   map[string]any{"paymentRef": ref},
	}, nil
}

func (p *Payments) refund(_ context.Context, cmd saga.Command) (Result, error) {
	ref, _ := cmd.Payload["paymentRef"].(string)
	p.mu.Lock()
	delete(p.captured, ref)
	p.mu.Unlock()
	return Result{EventType: saga.EventCompensationSucceeded}, nil
}

// Records is the originating record store; it keeps the final status
// delivered by FinalizeRecord.
type Records struct {
	mu     sync.Mutex
	status map[string]string
}

// NewRecords creates an empty record store.
func NewRecords() *Records {
	return &Records{status: make(map[string]string)}
}

// Register wires FinalizeRecord into r.
func (rec *Records) Register(r *Responder) {
	r.Handle(saga.CommandFinalizeRecord, rec.finalize)
}

// Status returns the final status recorded for sagaID.
func (rec *Records) Status(sagaID string) (string, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	status, ok := rec.status[sagaID]
	return status, ok
}

func (rec *Records) finalize(_ context.Context, cmd saga.Command) (Result, error) {
	status, _ := cmd.Payload["finalStatus"].(string)
	rec.mu.Lock()
	rec.status[cmd.SagaID] = status
	rec.mu.Unlock()
	return Result{}, nil
}

func intValue(v any) (int, bool) {
	f, ok := floatValue(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
