package sagas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrSimulatedOutage is returned by a Simulator operation marked as failing.
var ErrSimulatedOutage = errors.New("sagas: simulated outage")

// Simulator is an in-process stand-in for every collaborator. It records each
// call and can be told to fail named operations. Used by the demo command and
// tests.
type Simulator struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]int // op -> remaining failures, -1 = always
}

func NewSimulator() *Simulator {
	return &Simulator{failing: make(map[string]int)}
}

// Fail makes the next n calls of op fail; n < 0 fails forever.
func (s *Simulator) Fail(op string, n int) *Simulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[op] = n
	return s
}

// Calls returns the recorded operations in order.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how often op was called.
func (s *Simulator) Count(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == op || strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

func (s *Simulator) record(ctx context.Context, op, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := op
	if detail != "" {
		entry = op + ":" + detail
	}
	s.calls = append(s.calls, entry)

	if n, ok := s.failing[op]; ok && n != 0 {
		if n > 0 {
			s.failing[op] = n - 1
		}
		return fmt.Errorf("%w: %s", ErrSimulatedOutage, op)
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (s *Simulator) IssueInvoice(ctx context.Context, saleID, customer string, amount float64, description string) (string, error) {
	if err := s.record(ctx, "issue_invoice", saleID); err != nil {
		return "", err
	}
	return newID("NF-" + saleID), nil
}

func (s *Simulator) CancelInvoice(ctx context.Context, invoiceID string) error {
	return s.record(ctx, "cancel_invoice", invoiceID)
}

func (s *Simulator) Send(ctx context.Context, to, subjectOrText, body string) (string, error) {
	if err := s.record(ctx, "send", to); err != nil {
		return "", err
	}
	return newID("MSG"), nil
}

func (s *Simulator) AddEvent(ctx context.Context, calendarID, when, title string) (string, error) {
	if err := s.record(ctx, "add_event", when); err != nil {
		return "", err
	}
	return newID("EVENT"), nil
}

func (s *Simulator) RemoveEvent(ctx context.Context, calendarID, eventID string) error {
	return s.record(ctx, "remove_event", eventID)
}

func (s *Simulator) Charge(ctx context.Context, customerID string, amount float64, description string) (string, error) {
	if err := s.record(ctx, "charge", customerID); err != nil {
		return "", err
	}
	return newID("CHARGE"), nil
}

func (s *Simulator) Refund(ctx context.Context, chargeID string) error {
	return s.record(ctx, "refund", chargeID)
}

func (s *Simulator) CreateInvoice(ctx context.Context, bookingID string, amount float64, chargeID string) (string, error) {
	if err := s.record(ctx, "create_invoice", bookingID); err != nil {
		return "", err
	}
	return newID("INV-" + bookingID), nil
}

func (s *Simulator) DeleteInvoice(ctx context.Context, invoiceID string) error {
	return s.record(ctx, "delete_invoice", invoiceID)
}

func (s *Simulator) LogTransaction(ctx context.Context, bookingID string, amount float64) error {
	return s.record(ctx, "log_transaction", bookingID)
}

// messenger adapts the simulator's three-argument Send to Messenger.
type messenger struct{ s *Simulator }

func (m messenger) Send(ctx context.Context, to, text string) (string, error) {
	return m.s.Send(ctx, to, text, "")
}

// BookingServices wires the simulator into every booking collaborator.
func (s *Simulator) BookingServices() BookingServices {
	return BookingServices{Invoicing: s, Mail: s, WhatsApp: messenger{s}, Calendar: s}
}

// PaymentServices wires the simulator into every payment collaborator.
func (s *Simulator) PaymentServices() PaymentServices {
	return PaymentServices{Payments: s, Ledger: s, Mail: s, Analytics: s}
}
