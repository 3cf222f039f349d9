package sagas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
	"github.com/Mindburn-Labs/orchestra/pkg/saga"
)

// CreateBookingName is the saga name recorded on executions.
const CreateBookingName = "create_booking"

// BookingServices are the collaborators of CreateBooking. When Breakers is
// set, each external call goes through the breaker named after its API.
type BookingServices struct {
	Invoicing Invoicing
	Mail      Mailer
	WhatsApp  Messenger
	Calendar  Calendar
	Breakers  *resiliency.Registry
	Logger    *slog.Logger
}

// CreateBooking issues the invoice, confirms by email and WhatsApp, then books
// the calendar slot.
//
// Required values: sale_id, customer_name, amount. Optional: customer_email,
// customer_phone, booking_date, calendar_id, service_description.
func CreateBooking(svc BookingServices) []saga.Step {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "saga", "saga_name", CreateBookingName)

	createNF := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		saleID, err := requireValue(v, KeySaleID)
		if err != nil {
			return nil, err
		}
		customer, err := requireValue(v, KeyCustomerName)
		if err != nil {
			return nil, err
		}
		desc, _ := v.String(KeyServiceDescription)
		id, err := svc.Invoicing.IssueInvoice(ctx, saleID, customer, amount(v), desc)
		if err != nil {
			return nil, fmt.Errorf("issue invoice for sale %s: %w", saleID, err)
		}
		v.Set(KeyNFID, id)
		logger.Info("invoice issued", "sale_id", saleID, "nf_id", id)
		return id, nil
	})
	cancelNF := saga.CompensationFunc(func(ctx context.Context, v *saga.Values) error {
		id, ok := v.String(KeyNFID)
		if !ok {
			logger.Warn("no nf_id to cancel")
			return nil
		}
		return svc.Invoicing.CancelInvoice(ctx, id)
	})

	sendEmail := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		to, ok := v.String(KeyCustomerEmail)
		if !ok {
			logger.Info("no customer_email, skipping confirmation")
			return "", nil
		}
		name, _ := v.String(KeyCustomerName)
		date, _ := v.String(KeyBookingDate)
		id, err := svc.Mail.Send(ctx, to, "Booking confirmed",
			fmt.Sprintf("Hi %s, your booking on %s is confirmed.", name, date))
		if err != nil {
			return nil, fmt.Errorf("send confirmation email: %w", err)
		}
		v.Set(KeyEmailMessageID, id)
		return id, nil
	})
	cancelEmail := saga.CompensationFunc(func(ctx context.Context, v *saga.Values) error {
		if _, sent := v.String(KeyEmailMessageID); !sent {
			return nil
		}
		to, _ := v.String(KeyCustomerEmail)
		_, err := svc.Mail.Send(ctx, to, "Booking cancelled", "Your booking was cancelled. We apologise for the inconvenience.")
		return err
	})

	sendWhatsApp := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		phone, ok := v.String(KeyCustomerPhone)
		if !ok {
			logger.Info("no customer_phone, skipping whatsapp")
			return "", nil
		}
		date, _ := v.String(KeyBookingDate)
		id, err := svc.WhatsApp.Send(ctx, phone, fmt.Sprintf("Booking confirmed for %s.", date))
		if err != nil {
			return nil, fmt.Errorf("send whatsapp: %w", err)
		}
		v.Set(KeyWhatsAppMessageID, id)
		return id, nil
	})
	cancelWhatsApp := saga.CompensationFunc(func(ctx context.Context, v *saga.Values) error {
		if _, sent := v.String(KeyWhatsAppMessageID); !sent {
			return nil
		}
		phone, _ := v.String(KeyCustomerPhone)
		_, err := svc.WhatsApp.Send(ctx, phone, "Your booking was cancelled.")
		return err
	})

	addCalendar := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		calendarID, _ := v.String(KeyCalendarID)
		date, _ := v.String(KeyBookingDate)
		name, _ := v.String(KeyCustomerName)
		desc, _ := v.String(KeyServiceDescription)
		id, err := svc.Calendar.AddEvent(ctx, calendarID, date, fmt.Sprintf("%s: %s", name, desc))
		if err != nil {
			return nil, fmt.Errorf("add calendar event: %w", err)
		}
		v.Set(KeyCalendarEventID, id)
		return id, nil
	})
	removeCalendar := saga.CompensationFunc(func(ctx context.Context, v *saga.Values) error {
		id, ok := v.String(KeyCalendarEventID)
		if !ok {
			logger.Warn("no calendar_event_id to remove")
			return nil
		}
		calendarID, _ := v.String(KeyCalendarID)
		return svc.Calendar.RemoveEvent(ctx, calendarID, id)
	})

	return []saga.Step{
		saga.NewStep("create_nf", guard(svc.Breakers, "nf_api", createNF),
			saga.WithCompensation(cancelNF),
			saga.WithTimeout(10*time.Second),
			saga.WithRetries(3, time.Second)),
		saga.NewStep("send_email", guard(svc.Breakers, "gmail_api", sendEmail),
			saga.WithCompensation(cancelEmail),
			saga.WithTimeout(5*time.Second),
			saga.WithRetries(2, 500*time.Millisecond)),
		saga.NewStep("send_whatsapp", guard(svc.Breakers, "whatsapp_api", sendWhatsApp),
			saga.WithCompensation(cancelWhatsApp),
			saga.WithTimeout(5*time.Second),
			saga.WithRetries(2, 500*time.Millisecond)),
		saga.NewStep("add_calendar", guard(svc.Breakers, "calendar_api", addCalendar),
			saga.WithCompensation(removeCalendar),
			saga.WithTimeout(5*time.Second),
			saga.WithRetries(1, 500*time.Millisecond)),
	}
}

func guard(reg *resiliency.Registry, api string, action saga.Action) saga.Action {
	if reg == nil {
		return action
	}
	return saga.GuardedAction(reg.GetOrCreate(api), action)
}

func requireValue(v *saga.Values, key string) (string, error) {
	s, ok := v.String(key)
	if !ok {
		return "", &MissingValueError{Key: key}
	}
	return s, nil
}

func amount(v *saga.Values) float64 {
	raw, _ := v.Get(KeyAmount)
	switch a := raw.(type) {
	case float64:
		return a
	case float32:
		return float64(a)
	case int:
		return float64(a)
	case int64:
		return float64(a)
	default:
		return 0
	}
}
