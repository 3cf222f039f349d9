package sagas

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
	"github.com/Mindburn-Labs/orchestra/pkg/retry"
	"github.com/Mindburn-Labs/orchestra/pkg/saga"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newOrchestrator() *saga.Orchestrator {
	return saga.NewOrchestrator().
		WithLogger(quiet()).
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
}

func bookingValues() map[string]any {
	return map[string]any{
		KeySaleID:             "SALE-001",
		KeyBookingID:          "BOOKING-001",
		KeyCustomerName:       "Joao Silva",
		KeyCustomerEmail:      "joao@example.com",
		KeyCustomerPhone:      "+5511999999999",
		KeyAmount:             150.0,
		KeyServiceDescription: "Haircut",
		KeyBookingDate:        "2026-12-10T14:00:00",
		KeyCalendarID:         "staff@example.com",
	}
}

func TestCreateBookingSucceeds(t *testing.T) {
	sim := NewSimulator()
	svc := sim.BookingServices()
	svc.Logger = quiet()

	exec, err := newOrchestrator().Execute(context.Background(), "booking_001", CreateBookingName, CreateBooking(svc), bookingValues())
	require.NoError(t, err)

	assert.Equal(t, saga.StateSucceeded, exec.State)
	assert.Equal(t, []string{"create_nf", "send_email", "send_whatsapp", "add_calendar"}, exec.StepsCompleted)
	for _, key := range []string{KeyNFID, KeyEmailMessageID, KeyWhatsAppMessageID, KeyCalendarEventID} {
		assert.True(t, exec.Values.Has(key), key)
	}
	assert.Equal(t, 1, sim.Count("issue_invoice"))
	assert.Equal(t, 2, sim.Count("send"))
}

func TestCreateBookingCompensatesOnCalendarOutage(t *testing.T) {
	sim := NewSimulator().Fail("add_event", -1)
	svc := sim.BookingServices()
	svc.Logger = quiet()

	exec, err := newOrchestrator().Execute(context.Background(), "booking_002", CreateBookingName, CreateBooking(svc), bookingValues())
	require.NoError(t, err)

	assert.Equal(t, saga.StateFailed, exec.State)
	assert.Equal(t, "add_calendar", exec.FailedStep)
	assert.Equal(t, 2, sim.Count("add_event"), "one retry configured")
	assert.Equal(t, 1, sim.Count("cancel_invoice"))
	assert.Equal(t, 0, sim.Count("remove_event"), "failed step is not compensated")
	// Two confirmations plus two cancellation notices.
	assert.Equal(t, 4, sim.Count("send"))

	calls := sim.Calls()
	assert.Equal(t, "cancel_invoice", calls[len(calls)-1][:len("cancel_invoice")], "invoice is cancelled last")
}

func TestCreateBookingMissingRequiredValue(t *testing.T) {
	sim := NewSimulator()
	svc := sim.BookingServices()
	svc.Logger = quiet()
	values := bookingValues()
	delete(values, KeySaleID)

	exec, err := newOrchestrator().Execute(context.Background(), "booking_003", CreateBookingName, CreateBooking(svc), values)
	require.NoError(t, err)

	assert.Equal(t, saga.StateFailed, exec.State)
	assert.Contains(t, exec.LastError, `"sale_id"`)
	assert.Zero(t, sim.Count("issue_invoice"))
	assert.Empty(t, sim.Calls(), "nothing to compensate")
}

func TestCreateBookingWithBreakers(t *testing.T) {
	sim := NewSimulator().Fail("issue_invoice", -1)
	reg, err := resiliency.NewRegistry(resiliency.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	require.NoError(t, err)
	reg.WithLogger(quiet())

	svc := sim.BookingServices()
	svc.Breakers = reg
	svc.Logger = quiet()

	exec, err := newOrchestrator().Execute(context.Background(), "booking_004", CreateBookingName, CreateBooking(svc), bookingValues())
	require.NoError(t, err)

	assert.Equal(t, saga.StateFailed, exec.State)
	assert.Equal(t, 2, sim.Count("issue_invoice"), "breaker opens after two failures")
	assert.Equal(t, resiliency.StateOpen, reg.States()["nf_api"])
	assert.Contains(t, exec.LastError, resiliency.ErrCircuitOpen.Error())
}

func TestCollectPaymentRefundsWhenInvoiceFails(t *testing.T) {
	sim := NewSimulator().Fail("create_invoice", -1)
	svc := sim.PaymentServices()
	svc.Logger = quiet()

	values := map[string]any{
		KeyCustomerID:    "CUST-001",
		KeyBookingID:     "BOOKING-001",
		KeyCustomerEmail: "joao@example.com",
		KeyAmount:        150.0,
	}
	exec, err := newOrchestrator().Execute(context.Background(), "payment_001", CollectPaymentName, CollectPayment(svc), values)
	require.NoError(t, err)

	assert.Equal(t, saga.StateFailed, exec.State)
	assert.Equal(t, "create_invoice", exec.FailedStep)
	assert.Equal(t, 3, sim.Count("create_invoice"))
	assert.Equal(t, 1, sim.Count("refund"))
	assert.Zero(t, sim.Count("send"))
}

func TestCollectPaymentSucceedsAndRetryIsNoop(t *testing.T) {
	sim := NewSimulator()
	svc := sim.PaymentServices()
	svc.Logger = quiet()
	orch := newOrchestrator()

	values := map[string]any{KeyCustomerID: "CUST-001", KeyBookingID: "BOOKING-001", KeyAmount: 99}
	exec, err := orch.Execute(context.Background(), "payment_002", CollectPaymentName, CollectPayment(svc), values)
	require.NoError(t, err)
	assert.Equal(t, saga.StateSucceeded, exec.State)
	assert.Zero(t, sim.Count("send"), "no email, no receipt")
	assert.Equal(t, 1, sim.Count("log_transaction"))

	again, err := orch.RetryFailed(context.Background(), "payment_002")
	require.NoError(t, err)
	assert.Equal(t, 0, again.RetryCount)
}

func TestCollectPaymentRejectsNonPositiveAmount(t *testing.T) {
	sim := NewSimulator()
	svc := sim.PaymentServices()
	svc.Logger = quiet()

	values := map[string]any{KeyCustomerID: "CUST-001", KeyBookingID: "BOOKING-001", KeyAmount: "free"}
	exec, err := newOrchestrator().Execute(context.Background(), "payment_003", CollectPaymentName, CollectPayment(svc), values)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, exec.State)
	assert.Zero(t, sim.Count("charge"))
}

func TestHTTPNotifier(t *testing.T) {
	var got []notifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		var msg notifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		_ = json.NewEncoder(w).Encode(notifyResponse{ID: "WA-1"})
	}))
	defer srv.Close()

	cb, err := resiliency.NewCircuitBreaker(resiliency.DefaultConfig("notify_gateway"))
	require.NoError(t, err)
	n := NewHTTPNotifier(resiliency.NewClient(cb).WithRetries(0, retry.Fixed(0)), srv.URL)

	id, err := n.Chat("whatsapp").Send(context.Background(), "+5511999999999", "Booking confirmed")
	require.NoError(t, err)
	assert.Equal(t, "WA-1", id)

	_, err = n.Send(context.Background(), "joao@example.com", "Receipt", "R$ 150.00")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "whatsapp", got[0].Channel)
	assert.Equal(t, "email", got[1].Channel)
	assert.Equal(t, "Receipt", got[1].Subject)
}

func TestHTTPNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cb, err := resiliency.NewCircuitBreaker(resiliency.DefaultConfig("notify_gateway"))
	require.NoError(t, err)
	n := NewHTTPNotifier(resiliency.NewClient(cb), srv.URL)

	_, err = n.Chat("telegram").Send(context.Background(), "@joao", "hi")
	assert.ErrorContains(t, err, "unexpected status 400")
}
