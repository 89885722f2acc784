// Package harness wires the station daemon together: test list, state
// store, event bus and scheduler.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/stationd/stationd/internal/bus"
	"github.com/stationd/stationd/internal/config"
	"github.com/stationd/stationd/internal/logger"
	"github.com/stationd/stationd/internal/scheduler"
	"github.com/stationd/stationd/internal/state"
	"github.com/stationd/stationd/internal/testlist"
)

type Harness struct {
	cfg   *config.Config
	log   logger.Logger
	list  *testlist.TestList
	store state.Store
	bus   bus.Bus
	sched *scheduler.Scheduler
}

type Option func(*options)

type options struct {
	log logger.Logger
	bus bus.Bus
	env scheduler.Environ
}

func WithLogger(lg logger.Logger) Option {
	return func(o *options) { o.log = lg }
}

// WithBus overrides the event bus, which otherwise follows the NATS
// configuration.
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithEnviron overrides how shutdown tests take the machine down. The
// default really shuts down.
func WithEnviron(env scheduler.Environ) Option {
	return func(o *options) { o.env = env }
}

func New(cfg *config.Config, opts ...Option) (*Harness, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		lgOpts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
		if cfg.Debug {
			lgOpts = append(lgOpts, logger.WithDebug())
		}
		o.log = logger.NewLogger(lgOpts...)
	}
	if o.env == nil {
		o.env = scheduler.SystemEnviron{}
	}

	list, err := testlist.Load(cfg.TestList)
	if err != nil {
		return nil, fmt.Errorf("failed to load test list: %w", err)
	}

	h := &Harness{cfg: cfg, log: o.log, list: list}

	if o.bus != nil {
		h.bus = o.bus
	} else if cfg.NATSURL != "" {
		nb, err := bus.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		h.bus = nb
	} else {
		h.bus = bus.NewMemBus()
	}

	store, err := state.OpenFileStore(cfg.DataDir,
		state.WithLogger(o.log),
		state.WithFileChangeCallback(h.publishStateChange))
	if err != nil {
		return nil, err
	}
	h.store = store

	h.sched = scheduler.New(list, store, scheduler.Config{
		StopOnFailure:      cfg.StopOnFailure,
		EngineeringMode:    cfg.EngineeringMode,
		AutoRunOnStart:     cfg.AutoRunOnStart,
		RetryFailedOnStart: cfg.RetryFailedOnStart,
		AbortGrace:         cfg.AbortGrace,
	},
		scheduler.WithLogger(o.log),
		scheduler.WithBus(h.bus),
		scheduler.WithEnviron(o.env),
	)
	return h, nil
}

// RegisterRunner binds a worker implementation by name. Must be called
// before Run.
func (h *Harness) RegisterRunner(name string, r scheduler.Runner) {
	h.sched.RegisterRunner(name, r)
}

// Scheduler exposes the scheduling controls.
func (h *Harness) Scheduler() *scheduler.Scheduler { return h.sched }

// Stop aborts all active tests and truncates the pending walk; the
// aborted tests read back as untested.
func (h *Harness) Stop(reason string) {
	h.sched.Stop("", false, reason)
}

// Store exposes the state store, mainly for status inspection.
func (h *Harness) Store() state.Store { return h.store }

// TestList returns the loaded test list.
func (h *Harness) TestList() *testlist.TestList { return h.list }

// Run serves control events and drives the scheduler until ctx is done or
// a shutdown test takes the machine down.
func (h *Harness) Run(ctx context.Context) error {
	h.log.Info("Station daemon starting",
		"test_list", h.list.Name, "data_dir", h.cfg.DataDir)

	unsub, err := h.bus.Subscribe(ctx, h.handleControlEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control events: %w", err)
	}
	defer unsub()
	defer func() {
		if cerr := h.store.Close(); cerr != nil {
			h.log.Warn("Failed to close state store", "err", cerr)
		}
		if cerr := h.bus.Close(); cerr != nil {
			h.log.Warn("Failed to close event bus", "err", cerr)
		}
	}()

	return h.sched.Run(ctx)
}

func (h *Harness) publishStateChange(path string, ts state.TestState) {
	ev := bus.Event{
		Type:  bus.TypeStateChange,
		Path:  path,
		State: &ts,
		Time:  time.Now(),
	}
	if err := h.bus.Publish(context.Background(), ev); err != nil {
		h.log.Warn("Failed to publish state change", "path", path, "err", err)
	}
}

// handleControlEvent dispatches an inbound request to the scheduler; all
// real work happens on the scheduler's control goroutine.
func (h *Harness) handleControlEvent(ev bus.Event) {
	switch ev.Type {
	case bus.TypeRestartTests:
		h.sched.RestartTests(ev.Path)
	case bus.TypeAutoRun:
		h.sched.AutoRun(ev.Path)
	case bus.TypeRunTestsWithStatus:
		h.sched.RunTests(ev.Path, ev.Statuses)
	case bus.TypeStop:
		h.sched.Stop(ev.Path, ev.Fail, ev.Reason)
	case bus.TypeClearState:
		h.sched.ClearState(ev.Path)
	}
}
