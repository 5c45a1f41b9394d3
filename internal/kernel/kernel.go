package kernel

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// MinWorkerThreads is the default floor of worker goroutines started at
// construction (spec §5). Integrations that poll devices may grow the
// pool further via Pool.AddWorker().
const MinWorkerThreads = 2

// Config controls kernel construction.
type Config struct {
	// Workers is the floor of worker goroutines; defaults to
	// MinWorkerThreads if zero.
	Workers int
	// BusyThreshold is the pending-job count that triggers the
	// busy-pool callback; zero uses Workers (K=1, spec §9 Open
	// Question #2's default).
	BusyThreshold int
	// BusyCallback overrides the default log-based busy warning.
	BusyCallback BusyCallback
	// TimerInterval is the time_changed tick interval in seconds;
	// defaults to DefaultTimerInterval. Must evenly divide 60.
	TimerInterval int
	// ConfigDir is the directory holding integration configuration.
	ConfigDir string
	// Logger is used for all kernel logging; defaults to slog.Default().
	Logger *slog.Logger
}

// Kernel composes the WorkerPool, EventBus, StateMachine and
// ServiceRegistry and exposes the lifecycle and convenience-listener
// surface described in spec §4.6.
type Kernel struct {
	Pool     *WorkerPool
	Bus      *EventBus
	States   *StateMachine
	Services *ServiceRegistry

	timer     *Timer
	logger    *slog.Logger
	configDir string
}

// New constructs a Kernel. The worker pool, bus, state machine and
// service registry are wired together immediately; Start() must still
// be called to fire homeassistant_start and begin the timer.
func New(cfg Config) *Kernel {
	if cfg.Workers == 0 {
		cfg.Workers = MinWorkerThreads
	}
	if cfg.BusyThreshold == 0 {
		cfg.BusyThreshold = cfg.Workers
	}
	if cfg.TimerInterval == 0 {
		cfg.TimerInterval = DefaultTimerInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool := NewWorkerPool(cfg.Workers, cfg.BusyThreshold, cfg.BusyCallback, logger)
	bus := NewEventBus(pool, logger)
	states := NewStateMachine(bus)
	services := NewServiceRegistry(bus, pool)

	k := &Kernel{
		Pool:      pool,
		Bus:       bus,
		States:    states,
		Services:  services,
		timer:     NewTimer(bus, cfg.TimerInterval, logger),
		logger:    logger,
		configDir: cfg.ConfigDir,
	}
	return k
}

// ConfigDir returns the directory holding integration configuration.
func (k *Kernel) ConfigDir() string { return k.configDir }

// Start starts the Timer (created by New) and fires
// homeassistant_start.
func (k *Kernel) Start() {
	k.logger.Info("starting kernel", "workers", k.Pool.WorkerCount())
	k.timer.Start()
	k.Bus.Fire(EventHomeAssistantStart, nil, OriginLocal)
}

// Stop fires homeassistant_stop, waits for the pool to drain, stops
// the timer, and stops the pool.
func (k *Kernel) Stop() {
	k.logger.Info("stopping kernel")
	k.Bus.Fire(EventHomeAssistantStop, nil, OriginLocal)
	k.Pool.BlockTillDone()
	k.timer.Stop()
	k.Pool.Stop()
}

// BlockTillStopped registers the reserved homeassistant.stop service,
// then blocks (polling every second, honoring SIGINT/SIGTERM) until
// that service is called, finally calling Stop().
func (k *Kernel) BlockTillStopped() {
	shutdown := make(chan struct{})
	var closeOnce sync.Once
	k.Services.Register(DomainHomeAssistant, ServiceStop, func(ServiceCall) {
		closeOnce.Do(func() { close(shutdown) })
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-sigCh:
			break loop
		case <-ticker.C:
		}
	}

	k.Stop()
}

// TrackPointInTime registers a listener that fires action exactly once
// after event.now >= t, then removes itself (spec §4.6).
func (k *Kernel) TrackPointInTime(action func(now time.Time), t time.Time) {
	var handle *ListenerHandle
	var fired sync.Once
	handle = k.Bus.Listen(EventTimeChanged, func(e Event) {
		now, _ := e.Data[AttrNow].(time.Time)
		if now.Before(t) {
			return
		}
		fired.Do(func() {
			k.Bus.RemoveListener(handle)
			action(now)
		})
	})
}

// TimeField is either MatchAll or a finite set of allowed integer
// values for one calendar field in TrackTimeChange.
type TimeField struct {
	matchAll bool
	allowed  map[int]struct{}
}

// AnyTimeField matches any value for its calendar field.
func AnyTimeField() TimeField { return TimeField{matchAll: true} }

// TimeFieldOf builds a finite-set TimeField from the given values.
func TimeFieldOf(values ...int) TimeField {
	allowed := make(map[int]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}
	return TimeField{allowed: allowed}
}

func (f TimeField) matches(v int) bool {
	if f.matchAll {
		return true
	}
	_, ok := f.allowed[v]
	return ok
}

// TrackTimeChange registers a listener that fires action every time
// the current wall-clock time matches the given calendar field
// patterns (spec §4.6). Use AnyTimeField() for a wildcard field.
func (k *Kernel) TrackTimeChange(action func(now time.Time), year, month, day, hour, minute, second TimeField) *ListenerHandle {
	return k.Bus.Listen(EventTimeChanged, func(e Event) {
		now, _ := e.Data[AttrNow].(time.Time)
		if year.matches(now.Year()) &&
			month.matches(int(now.Month())) &&
			day.matches(now.Day()) &&
			hour.matches(now.Hour()) &&
			minute.matches(now.Minute()) &&
			second.matches(now.Second()) {
			action(now)
		}
	})
}
