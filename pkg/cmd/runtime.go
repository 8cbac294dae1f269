package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/condition"
	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/engine"
	"github.com/dukex/careflow/pkg/eventbus"
	"github.com/dukex/careflow/pkg/graph"
	"github.com/dukex/careflow/pkg/otelhelper"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/dukex/careflow/pkg/queue"
	"github.com/dukex/careflow/pkg/trigger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Options are the process settings shared by every careflow binary.
type Options struct {
	ServiceName  string
	WorkerID     string
	DatabaseURL  string
	EventBus     string
	KafkaBrokers string
	RedisURL     string
	Sender       string
	HolidaysPath string
	Tracing      bool
	Metrics      bool
	Config       config.File
}

// Runtime wires persistence, the queue, the engine and trigger dispatch for one process.
type Runtime struct {
	Clock      clock.Clock
	Store      persistence.Persistence
	Queue      *queue.Service
	Engine     *engine.Engine
	Dispatcher *trigger.Dispatcher
	Graph      *graph.Validator
	EventBus   eventbus.EventBus
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Tracer     trace.Tracer
	Config     config.File

	closers []func(context.Context) error
	logger  *slog.Logger
}

// NewRuntime connects every dependency named by opts. On error the ones already opened are
// closed again.
func NewRuntime(ctx context.Context, logger *slog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Clock: clock.New(), Config: opts.Config, logger: logger}

	if err := rt.open(ctx, opts); err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))

		return nil, err
	}

	return rt, nil
}

func (rt *Runtime) open(ctx context.Context, opts Options) error {
	logger := rt.logger

	location, err := time.LoadLocation(opts.Config.Engine.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", opts.Config.Engine.Timezone, err)
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, opts.ServiceName, opts.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	rt.Tracer = tracer
	rt.closers = append(rt.closers, shutdown)

	meter, shutdownMeter, err := otelhelper.NewMeter(ctx, opts.ServiceName, opts.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize meter: %w", err)
	}

	rt.closers = append(rt.closers, shutdownMeter)

	metrics, err := otelhelper.NewExecutionMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create execution metrics: %w", err)
	}

	store, err := NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return err
	}

	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	pub, sub, err := NewPubSub(opts.EventBus, opts.KafkaBrokers, opts.ServiceName, logger)
	if err != nil {
		return err
	}

	rt.Publisher = pub
	rt.Subscriber = sub
	rt.EventBus = NewEventBus(pub, sub, logger)
	rt.closers = append(rt.closers, func(context.Context) error { return rt.EventBus.Close() })

	var redisClient redis.UniversalClient

	if opts.RedisURL != "" {
		client, err := NewRedisClient(ctx, opts.RedisURL)
		if err != nil {
			return err
		}

		redisClient = client
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	}

	sender, err := NewSender(opts.Sender, pub, NewKeyStore(redisClient, rt.Clock, logger),
		opts.Config.Breaker, rt.Clock, logger)
	if err != nil {
		return err
	}

	holidays, err := NewHolidays(opts.HolidaysPath)
	if err != nil {
		return err
	}

	delays := delay.NewCalculator(holidays, logger, delay.WithLocation(location))
	rt.Graph = graph.NewValidator(delays, condition.NewEvaluator(), rt.Clock.Now)

	queueOpts := []queue.Option{queue.WithLease(opts.Config.Poller.Lease)}
	if opts.WorkerID != "" {
		queueOpts = append(queueOpts, queue.WithOwner(opts.WorkerID))
	}

	rt.Queue = queue.NewService(store.JobRepository(), rt.Clock, logger, queueOpts...)

	rt.Engine = engine.New(store, rt.Queue, sender, delays, rt.Clock, opts.Config.Engine, logger,
		engine.WithEventPublisher(rt.EventBus),
		engine.WithTracer(tracer),
		engine.WithMetrics(metrics))

	rt.Dispatcher = trigger.NewDispatcher(
		store.DefinitionRepository(),
		trigger.NewMatcher(logger, trigger.WithLocation(location)),
		rt.Engine,
		rt.Clock,
		logger)

	return nil
}

// NewPoller builds the queue poller driving rt.Engine, firing schedule triggers on every tick
// when configured.
func (rt *Runtime) NewPoller() (*queue.Poller, error) {
	opts := []queue.PollerOption{queue.WithTracer(rt.Tracer)}

	if rt.Config.Poller.ScheduleTriggers {
		opts = append(opts, queue.WithTickHook(rt.Dispatcher.ScheduleTick))
	}

	return queue.NewPoller(rt.Queue, rt.Engine, rt.Config.Poller, rt.logger, opts...)
}

// StartTriggerConsumer dispatches trigger events published on the bus until ctx is done.
func (rt *Runtime) StartTriggerConsumer(ctx context.Context) error {
	return trigger.NewConsumer(rt.Subscriber, rt.Dispatcher, rt.logger).Start(ctx)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	rt.closers = nil

	return errors.Join(errs...)
}
