package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/orchestra/pkg/config"
	"github.com/Mindburn-Labs/orchestra/pkg/dispatch"
	"github.com/Mindburn-Labs/orchestra/pkg/observability"
	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
	"github.com/Mindburn-Labs/orchestra/pkg/saga"
	"github.com/Mindburn-Labs/orchestra/pkg/sagas"
	"github.com/Mindburn-Labs/orchestra/pkg/taskqueue"
)

const (
	bookingAgent  = "booking_agent"
	paymentAgent  = "payment_agent"
	reminderAgent = "deadlines_agent"
)

type sagaSummary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      saga.State `json:"state"`
	Completed  []string   `json:"steps_completed"`
	FailedStep string     `json:"failed_step,omitempty"`
	Retries    int        `json:"retries"`
	LastError  string     `json:"last_error,omitempty"`
	Duration   float64    `json:"duration_seconds"`
	Progress   float64    `json:"progress"`
	Compensate bool       `json:"compensation_performed"`
}

type dispatchSummary struct {
	Handled   int `json:"handled"`
	Throttled int `json:"throttled"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
	Overdue   int `json:"overdue"`
}

type demoReport struct {
	Mode     string                      `json:"mode"`
	Sagas    []sagaSummary               `json:"sagas"`
	Stats    saga.Stats                  `json:"stats"`
	Queue    taskqueue.Stats             `json:"queue"`
	Dispatch *dispatchSummary            `json:"dispatch,omitempty"`
	Breakers map[string]resiliency.State `json:"breakers"`
}

// demo holds the wired components shared by the dispatch and pool modes.
type demo struct {
	cfg      *config.Config
	logger   *slog.Logger
	orch     *saga.Orchestrator
	breakers *resiliency.Registry
	sim      *sagas.Simulator
	queue    *taskqueue.Queue
}

// runDemoCmd implements `orchestra demo`.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path         string
		bookings     int
		payments     int
		failCalendar int
		failCharge   int
		usePool      bool
		wait         bool
		jsonOutput   bool
	)
	cmd.StringVar(&path, "config", "", "Path to YAML config file")
	cmd.IntVar(&bookings, "bookings", 3, "Number of booking sagas to queue")
	cmd.IntVar(&payments, "payments", 2, "Number of payment sagas to queue")
	cmd.IntVar(&failCalendar, "fail-calendar", 0, "Calendar calls that fail before it recovers (-1 = never recovers)")
	cmd.IntVar(&failCharge, "fail-charge", 0, "Payment charges that fail before it recovers (-1 = never recovers)")
	cmd.BoolVar(&usePool, "pool", false, "Run the queued sagas concurrently on a worker pool instead of the dispatcher")
	cmd.BoolVar(&wait, "wait", false, "Honour retry delays instead of retrying immediately")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger, err := setupLogger(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	breakers, err := resiliency.NewRegistry(cfg.BreakerDefaults())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	breakers.WithLogger(logger).WithMeter(provider.Meter())

	orch := saga.NewOrchestrator().
		WithLogger(logger).
		WithTracer(provider.Tracer()).
		WithMeter(provider.Meter())
	if !wait {
		orch.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	}

	sim := sagas.NewSimulator()
	if failCalendar != 0 {
		sim.Fail("add_event", failCalendar)
	}
	if failCharge != 0 {
		sim.Fail("charge", failCharge)
	}

	d := &demo{
		cfg:      cfg,
		logger:   logger,
		orch:     orch,
		breakers: breakers,
		sim:      sim,
		queue:    taskqueue.New(cfg.Queue.MaxSize).WithLogger(logger).WithMeter(provider.Meter()),
	}
	if err := d.seed(bookings, payments, time.Now()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report := demoReport{Mode: "dispatch"}
	if usePool {
		report.Mode = "pool"
		err = d.runPool(ctx)
	} else {
		report.Dispatch, err = d.runDispatcher(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report.Sagas = d.summaries()
	report.Stats = orch.Stats()
	report.Queue = d.queue.Stats()
	report.Breakers = breakers.States()

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return 1
		}
	} else {
		printDemoReport(stdout, report)
	}

	if report.Stats.Failed > 0 || report.Stats.PartiallyCompensated > 0 {
		return 1
	}
	return 0
}

// seed queues booking, payment and reminder tasks. Bookings are the most
// urgent; reminders can wait.
func (d *demo) seed(bookings, payments int, now time.Time) error {
	var tasks []taskqueue.Task
	for i := 1; i <= bookings; i++ {
		tasks = append(tasks, taskqueue.Task{
			Priority:  taskqueue.PriorityHigh,
			Deadline:  now.Add(time.Duration(i) * 10 * time.Minute),
			Cost:      i % 3,
			AgentName: bookingAgent,
			ClientID:  fmt.Sprintf("client_%03d", i),
			Payload: map[string]any{
				sagas.KeySaleID:             fmt.Sprintf("SALE-%03d", i),
				sagas.KeyBookingID:          fmt.Sprintf("BOOKING-%03d", i),
				sagas.KeyCustomerName:       fmt.Sprintf("Customer %d", i),
				sagas.KeyCustomerEmail:      fmt.Sprintf("customer%d@example.com", i),
				sagas.KeyCustomerPhone:      fmt.Sprintf("+55119999900%02d", i),
				sagas.KeyAmount:             100.0 + float64(i)*25,
				sagas.KeyServiceDescription: "Consultation",
				sagas.KeyBookingDate:        now.Add(time.Duration(i) * 24 * time.Hour).Format("2006-01-02T15:04:05"),
				sagas.KeyCalendarID:         "staff@example.com",
			},
		})
		tasks = append(tasks, taskqueue.Task{
			Priority:  taskqueue.PriorityLow,
			Deadline:  now.Add(time.Duration(i) * 24 * time.Hour),
			AgentName: reminderAgent,
			ClientID:  fmt.Sprintf("client_%03d", i),
			Payload: map[string]any{
				sagas.KeyBookingID:     fmt.Sprintf("BOOKING-%03d", i),
				sagas.KeyCustomerEmail: fmt.Sprintf("customer%d@example.com", i),
			},
		})
	}
	for i := 1; i <= payments; i++ {
		tasks = append(tasks, taskqueue.Task{
			Priority:  taskqueue.PriorityMedium,
			Deadline:  now.Add(time.Duration(i) * 30 * time.Minute),
			Cost:      2,
			AgentName: paymentAgent,
			ClientID:  fmt.Sprintf("client_%03d", i),
			Payload: map[string]any{
				sagas.KeyCustomerID:    fmt.Sprintf("CUST-%03d", i),
				sagas.KeyBookingID:     fmt.Sprintf("BOOKING-%03d", i),
				sagas.KeyCustomerEmail: fmt.Sprintf("customer%d@example.com", i),
				sagas.KeyAmount:        100.0 + float64(i)*25,
			},
		})
	}

	for _, t := range tasks {
		if _, err := d.queue.Push(t); err != nil {
			return err
		}
	}
	return nil
}

// submission maps a queued task onto the saga its agent runs.
func (d *demo) submission(t *taskqueue.Task) (saga.Submission, error) {
	switch t.AgentName {
	case bookingAgent:
		svc := d.sim.BookingServices()
		svc.Breakers = d.breakers
		svc.Logger = d.logger
		return saga.Submission{ID: "booking-" + t.ID, Name: sagas.CreateBookingName, Steps: sagas.CreateBooking(svc), Values: t.Payload}, nil
	case paymentAgent:
		svc := d.sim.PaymentServices()
		svc.Breakers = d.breakers
		svc.Logger = d.logger
		return saga.Submission{ID: "payment-" + t.ID, Name: sagas.CollectPaymentName, Steps: sagas.CollectPayment(svc), Values: t.Payload}, nil
	case reminderAgent:
		return saga.Submission{ID: "reminder-" + t.ID, Name: "send_reminder", Steps: d.reminderSteps(), Values: t.Payload}, nil
	default:
		return saga.Submission{}, fmt.Errorf("%w: %s", dispatch.ErrNoHandler, t.AgentName)
	}
}

// reminderSteps is a single-step saga using the configured step defaults.
func (d *demo) reminderSteps() []saga.Step {
	send := saga.ActionFunc(func(ctx context.Context, v *saga.Values) (any, error) {
		to, _ := v.String(sagas.KeyCustomerEmail)
		booking, _ := v.String(sagas.KeyBookingID)
		id, err := d.sim.Send(ctx, to, "Reminder", "Upcoming booking "+booking)
		if err != nil {
			return nil, err
		}
		v.Set(sagas.KeyEmailMessageID, id)
		return id, nil
	})
	return []saga.Step{saga.NewStep("send_reminder", send, d.cfg.StepDefaults()...)}
}

// handle runs the task's saga, resuming it when the task comes back after a
// failure. A saga that does not succeed is reported to the dispatcher as an
// error so the task is requeued.
func (d *demo) handle(ctx context.Context, t *taskqueue.Task) error {
	sub, err := d.submission(t)
	if err != nil {
		return err
	}

	if _, seen := d.orch.Status(sub.ID); seen {
		_, err = d.orch.RetryFailed(ctx, sub.ID)
	} else {
		_, err = d.orch.Execute(ctx, sub.ID, sub.Name, sub.Steps, sub.Values)
	}
	if err != nil {
		return err
	}

	exec, _ := d.orch.Status(sub.ID)
	if exec.State != saga.StateSucceeded {
		return fmt.Errorf("saga %s ended %s: %s", sub.ID, exec.State, exec.LastError)
	}
	return nil
}

func (d *demo) runDispatcher(ctx context.Context) (*dispatchSummary, error) {
	var limiter dispatch.LimiterStore = dispatch.NewInMemoryLimiterStore()
	if addr := d.cfg.Dispatch.RedisAddr; addr != "" {
		limiter = dispatch.DialRedisLimiterStore(addr, "", 0)
	}

	dispatcher := dispatch.New(d.queue, limiter, d.cfg.DispatchPolicy()).
		WithLogger(d.logger).
		WithMaxRequeues(d.cfg.Dispatch.MaxRequeues)
	for _, agent := range []string{bookingAgent, paymentAgent, reminderAgent} {
		dispatcher.Register(agent, dispatch.HandlerFunc(d.handle))
	}
	if err := dispatcher.RequirePayloadSchema(bookingAgent, sagas.BookingPayloadSchema); err != nil {
		return nil, err
	}
	if err := dispatcher.RequirePayloadSchema(paymentAgent, sagas.PaymentPayloadSchema); err != nil {
		return nil, err
	}

	outcomes, err := dispatcher.Run(ctx)
	if err != nil {
		return nil, err
	}

	summary := &dispatchSummary{}
	for _, out := range outcomes {
		switch {
		case out.Handled:
			summary.Handled++
		case out.Throttled:
			summary.Throttled++
		case out.Dropped:
			summary.Dropped++
		case out.Requeued:
			summary.Requeued++
		}
		if out.Overdue {
			summary.Overdue++
		}
	}
	return summary, nil
}

// runPool drains the queue in priority order and runs every saga on a bounded
// worker pool.
func (d *demo) runPool(ctx context.Context) error {
	var subs []saga.Submission
	for {
		t, ok := d.queue.Pop()
		if !ok {
			break
		}
		sub, err := d.submission(t)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	_, err := saga.NewPool(d.orch, d.cfg.Saga.PoolSize).Run(ctx, subs)
	return err
}

func (d *demo) summaries() []sagaSummary {
	execs := d.orch.List()
	out := make([]sagaSummary, 0, len(execs))
	for _, e := range execs {
		out = append(out, sagaSummary{
			ID:         e.ID,
			Name:       e.Name,
			State:      e.State,
			Completed:  e.StepsCompleted,
			FailedStep: e.FailedStep,
			Retries:    e.RetryCount,
			LastError:  e.LastError,
			Duration:   e.Duration().Seconds(),
			Progress:   e.Progress(),
			Compensate: e.CompensationPerformed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func printDemoReport(w io.Writer, r demoReport) {
	_, _ = fmt.Fprintf(w, "Mode: %s\n\n", r.Mode)
	for _, s := range r.Sagas {
		_, _ = fmt.Fprintf(w, "  %-28s %-16s %-22s steps=%d retries=%d", s.ID, s.Name, s.State, len(s.Completed), s.Retries)
		if s.FailedStep != "" {
			_, _ = fmt.Fprintf(w, " failed_step=%s", s.FailedStep)
		}
		_, _ = fmt.Fprintln(w)
	}

	_, _ = fmt.Fprintf(w, "\nSagas: total=%d succeeded=%d failed=%d partially_compensated=%d success_rate=%.1f%% retries=%d\n",
		r.Stats.TotalExecutions, r.Stats.Succeeded, r.Stats.Failed, r.Stats.PartiallyCompensated, r.Stats.SuccessRate, r.Stats.TotalRetries)
	_, _ = fmt.Fprintf(w, "Queue: pushed=%d popped=%d rejected=%d remaining=%d\n",
		r.Queue.TotalPushed, r.Queue.TotalPopped, r.Queue.TotalRejected, r.Queue.Size)
	if r.Dispatch != nil {
		_, _ = fmt.Fprintf(w, "Dispatch: handled=%d requeued=%d dropped=%d throttled=%d overdue=%d\n",
			r.Dispatch.Handled, r.Dispatch.Requeued, r.Dispatch.Dropped, r.Dispatch.Throttled, r.Dispatch.Overdue)
	}

	names := make([]string, 0, len(r.Breakers))
	for name := range r.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "Breaker %s: %s\n", name, r.Breakers[name])
	}
}
