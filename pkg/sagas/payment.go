package sagas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
	"github.com/Mindburn-Labs/orchestra/pkg/saga"
)

// CollectPaymentName is the saga name recorded on executions.
const CollectPaymentName = "collect_payment"

// PaymentServices are the collaborators of CollectPayment.
type PaymentServices struct {
	Payments  Payments
	Ledger    Ledger
	Mail      Mailer
	Analytics Analytics
	Breakers  *resiliency.Registry
	Logger    *slog.Logger
}

// CollectPayment charges the customer, records the invoice, emails the
// receipt and logs the transaction. Only the charge and the invoice record
// are compensated.
//
// Required values: customer_id, booking_id, amount.
func CollectPayment(svc PaymentServices) []saga.Step {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "saga", "saga_name", CollectPaymentName)

	charge := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		customerID, err := requireValue(v, KeyCustomerID)
		if err != nil {
			return nil, err
		}
		amt := amount(v)
		if amt <= 0 {
			return nil, fmt.Errorf("sagas: amount must be positive, got %.2f", amt)
		}
		desc, _ := v.String(KeyServiceDescription)
		id, err := svc.Payments.Charge(ctx, customerID, amt, desc)
		if err != nil {
			return nil, fmt.Errorf("charge customer %s: %w", customerID, err)
		}
		v.Set(KeyChargeID, id)
		logger.Info("customer charged", "customer_id", customerID, "amount", amt, "charge_id", id)
		return id, nil
	})
	refund := saga.CompensationFunc(func(ctx context.Context, v *saga.Values) error {
		id, ok := v.String(KeyChargeID)
		if !ok {
			logger.Warn("no charge_id to refund")
			return nil
		}
		return svc.Payments.Refund(ctx, id)
	})

	createInvoice := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		bookingID, err := requireValue(v, KeyBookingID)
		if err != nil {
			return nil, err
		}
		chargeID, _ := v.String(KeyChargeID)
		id, err := svc.Ledger.CreateInvoice(ctx, bookingID, amount(v), chargeID)
		if err != nil {
			return nil, fmt.Errorf("create invoice for booking %s: %w", bookingID, err)
		}
		v.Set(KeyInvoiceID, id)
		return id, nil
	})
	deleteInvoice := saga.CompensationFunc(func(ctx context.Context, v *saga.Values) error {
		id, ok := v.String(KeyInvoiceID)
		if !ok {
			logger.Warn("no invoice_id to delete")
			return nil
		}
		return svc.Ledger.DeleteInvoice(ctx, id)
	})

	sendReceipt := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		to, ok := v.String(KeyCustomerEmail)
		if !ok {
			return "", nil
		}
		invoiceID, _ := v.String(KeyInvoiceID)
		id, err := svc.Mail.Send(ctx, to, "Payment receipt",
			fmt.Sprintf("Received R$ %.2f. Invoice %s.", amount(v), invoiceID))
		if err != nil {
			return nil, fmt.Errorf("send receipt: %w", err)
		}
		v.Set(KeyEmailReceiptID, id)
		return id, nil
	})

	logAnalytics := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		bookingID, _ := v.String(KeyBookingID)
		return nil, svc.Analytics.LogTransaction(ctx, bookingID, amount(v))
	})

	return []saga.Step{
		saga.NewStep("process_payment", guard(svc.Breakers, "payments_api", charge),
			saga.WithCompensation(refund),
			saga.WithTimeout(15*time.Second),
			saga.WithRetries(3, 2*time.Second)),
		saga.NewStep("create_invoice", createInvoice,
			saga.WithCompensation(deleteInvoice),
			saga.WithTimeout(5*time.Second),
			saga.WithRetries(2, time.Second)),
		saga.NewStep("send_receipt", guard(svc.Breakers, "gmail_api", sendReceipt),
			saga.WithTimeout(5*time.Second),
			saga.WithRetries(2, 500*time.Millisecond)),
		saga.NewStep("log_analytics", logAnalytics,
			saga.WithTimeout(2*time.Second),
			saga.WithRetries(1, 500*time.Millisecond)),
	}
}
