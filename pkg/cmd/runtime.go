package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/ledger"
	"github.com/dukex/convoflow/pkg/metrics"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/services"
	"github.com/dukex/convoflow/pkg/trigger"
	"github.com/dukex/convoflow/pkg/web"
	"github.com/dukex/convoflow/pkg/workflow"
)

// Runtime holds every engine component of a process.
type Runtime struct {
	Config      Config
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Contacts    *Contacts
	Dispatcher  *actions.Dispatcher
	Registry    *trigger.Registry
	Scheduler   *scheduler.Scheduler
	Ledger      *ledger.Ledger
	Executor    *workflow.Executor
	Manager     *workflow.Manager
	Flows       *services.Flow
	Publishing  *services.Publishing

	logger  *slog.Logger
	closers []func(ctx context.Context) error
}

// NewRuntime opens the stores and transports named by cfg and wires the engine on top of them.
func NewRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{
		Config:  cfg,
		Metrics: metrics.New(),
		Tracer:  otelhelper.NoopTracer(),
		logger:  logger.With("module", "runtime"),
	}

	err := r.open(ctx, logger)
	if err != nil {
		closeErr := r.Close(context.WithoutCancel(ctx))

		return nil, errors.Join(err, closeErr)
	}

	return r, nil
}

func (r *Runtime) open(ctx context.Context, logger *slog.Logger) error {
	cfg := r.Config

	if cfg.OTelEnabled {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		r.Tracer = tracer
		r.closers = append(r.closers, shutdown)
	}

	store, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}

	r.Persistence = store
	r.closers = append(r.closers, store.Close)

	r.Contacts, err = NewContacts(store, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	sender, err := NewSender(cfg.GatewayURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create message sender: %w", err)
	}

	bus, err := NewEventBus(cfg.EventBus, cfg.Brokers, logger)
	if err != nil {
		return err
	}

	r.EventBus = bus
	r.closers = append(r.closers, func(context.Context) error { return bus.Close() })

	deduplicator, err := NewDeduplicator(ctx, cfg.RedisURL, cfg.Dedup)
	if err != nil {
		return fmt.Errorf("failed to create deduplicator: %w", err)
	}

	if closer, ok := deduplicator.(io.Closer); ok {
		r.closers = append(r.closers, func(context.Context) error { return closer.Close() })
	}

	r.Dispatcher = NewDispatcher(logger, r.Contacts.Store, sender)
	r.Registry = trigger.NewRegistry(store.TriggerRepository(), logger)
	r.Scheduler = scheduler.New(store.JobRepository(), cfg.Scheduler, logger,
		scheduler.WithMetrics(r.Metrics),
		scheduler.WithTracer(r.Tracer),
	)
	r.Ledger = ledger.New(store.ExecutionRepository(), logger)

	executorOpts := []workflow.ExecutorOption{
		workflow.WithScheduler(r.Scheduler),
		workflow.WithFollowUpSender(sender, r.Contacts.Senders),
		workflow.WithExecutionCounter(persistence.ExecutionCounter{Flows: store.FlowRepository()}),
		workflow.WithNotifier(eventbus.ExecutionNotifier{Publisher: bus}),
		workflow.WithExecutorMetrics(r.Metrics),
		workflow.WithExecutorTracer(r.Tracer),
	}

	if r.Contacts.Conversations != nil {
		executorOpts = append(executorOpts, workflow.WithConversations(r.Contacts.Conversations))
	}

	r.Executor = workflow.NewExecutor(store.FlowRepository(), r.Ledger, r.Dispatcher, logger, executorOpts...)
	r.Manager = workflow.NewManager(r.Registry, r.Executor, logger,
		workflow.WithJobCancellation(r.Scheduler),
		workflow.WithDeduplicator(deduplicator),
		workflow.WithManagerMetrics(r.Metrics),
		workflow.WithManagerTracer(r.Tracer),
	)

	r.Publishing = services.NewPublishing(store.FlowRepository(), r.Registry, r.Dispatcher, r.Scheduler, logger)
	r.Flows = services.NewFlow(store.FlowRepository(), r.Publishing, logger)

	return nil
}

// APIHandlers builds the HTTP handlers over this runtime.
func (r *Runtime) APIHandlers() *web.APIHandlers {
	return web.NewAPIHandlers(web.Dependencies{
		Flows:      r.Flows,
		Publishing: r.Publishing,
		Ledger:     r.Ledger,
		Scheduler:  r.Scheduler,
		Dispatcher: r.Dispatcher,
		Publisher:  r.EventBus,
		Health:     r.Persistence,
	}, validator.New(validator.WithRequiredStructEnabled()))
}

// StartWorker consumes inbound events, restores the scheduler state and starts the scheduler loop.
func (r *Runtime) StartWorker(ctx context.Context) error {
	err := r.EventBus.Handle(events.InboundEventReceivedType, r.handleInbound)
	if err != nil {
		return err
	}

	err = r.EventBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	report, err := r.Scheduler.RestoreOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore scheduler: %w", err)
	}

	r.logger.InfoContext(ctx, "Scheduler restored",
		"recovered", report.Recovered, "cancelled", report.Cancelled, "rearmed", report.Rearmed)

	return r.Scheduler.Start(ctx, r.Executor)
}

func (r *Runtime) handleInbound(ctx context.Context, event any) error {
	inbound, ok := event.(*events.InboundEventReceived)
	if !ok {
		r.logger.ErrorContext(ctx, "Invalid event type for InboundEventReceived")

		return nil
	}

	started := r.Manager.HandleEvent(ctx, inbound.Event)

	r.logger.DebugContext(ctx, "Processed inbound event",
		"event_id", inbound.ID, "org_id", inbound.OrgID, "executions", started)

	return nil
}

// Close stops the worker side and releases every opened resource, last opened first.
func (r *Runtime) Close(ctx context.Context) error {
	if r.Scheduler != nil {
		r.Scheduler.Stop()
	}

	if r.Manager != nil {
		r.Manager.Wait()
	}

	var errs []error

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	r.closers = nil

	return errors.Join(errs...)
}
