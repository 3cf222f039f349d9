// Package sagas defines the booking and payment sagas run by orchestra.
//
// Each saga talks to external systems through small collaborator interfaces.
// Actions store the ids they create in the saga values; compensations read
// them back and treat a missing id as nothing to undo.
package sagas

import (
	"context"
	"fmt"
)

// Values keys shared by the sagas.
const (
	KeySaleID             = "sale_id"
	KeyBookingID          = "booking_id"
	KeyCustomerID         = "customer_id"
	KeyCustomerName       = "customer_name"
	KeyCustomerEmail      = "customer_email"
	KeyCustomerPhone      = "customer_phone"
	KeyAmount             = "amount"
	KeyServiceDescription = "service_description"
	KeyBookingDate        = "booking_date"
	KeyCalendarID         = "calendar_id"
	KeyPaymentMethod      = "payment_method"

	KeyNFID              = "nf_id"
	KeyEmailMessageID    = "email_message_id"
	KeyWhatsAppMessageID = "whatsapp_message_id"
	KeyCalendarEventID   = "calendar_event_id"
	KeyChargeID          = "charge_id"
	KeyInvoiceID         = "invoice_id"
	KeyEmailReceiptID    = "email_receipt_id"
)

// Invoicing issues and cancels fiscal invoices (NF-e).
type Invoicing interface {
	IssueInvoice(ctx context.Context, saleID, customer string, amount float64, description string) (string, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
}

// Mailer sends email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// Messenger sends a chat message (WhatsApp, Telegram) and returns its id.
type Messenger interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// Calendar manages events on a staff calendar.
type Calendar interface {
	AddEvent(ctx context.Context, calendarID, when, title string) (string, error)
	RemoveEvent(ctx context.Context, calendarID, eventID string) error
}

// Payments charges and refunds customers.
type Payments interface {
	Charge(ctx context.Context, customerID string, amount float64, description string) (string, error)
	Refund(ctx context.Context, chargeID string) error
}

// Ledger stores invoice records in the finance database.
type Ledger interface {
	CreateInvoice(ctx context.Context, bookingID string, amount float64, chargeID string) (string, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
}

// Analytics records business events. Recording is not compensated.
type Analytics interface {
	LogTransaction(ctx context.Context, bookingID string, amount float64) error
}

// MissingValueError reports a required saga value that was absent.
type MissingValueError struct {
	Key string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("sagas: missing required value %q", e.Key)
}

// BookingPayloadSchema is the JSON Schema a booking task payload must satisfy.
const BookingPayloadSchema = `{
  "type": "object",
  "required": ["sale_id", "booking_id", "customer_name", "amount"],
  "properties": {
    "sale_id": {"type": "string", "minLength": 1},
    "booking_id": {"type": "string", "minLength": 1},
    "customer_name": {"type": "string"},
    "customer_email": {"type": "string"},
    "customer_phone": {"type": "string"},
    "amount": {"type": "number", "minimum": 0},
    "booking_date": {"type": "string"},
    "calendar_id": {"type": "string"}
  }
}`

// PaymentPayloadSchema is the JSON Schema a payment task payload must satisfy.
const PaymentPayloadSchema = `{
  "type": "object",
  "required": ["customer_id", "booking_id", "amount"],
  "properties": {
    "customer_id": {"type": "string", "minLength": 1},
    "booking_id": {"type": "string", "minLength": 1},
    "customer_email": {"type": "string"},
    "amount": {"type": "number", "exclusiveMinimum": 0}
  }
}`
