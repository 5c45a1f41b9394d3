package diagnostics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/kindled/internal/kernel"
)

// Recorder attaches a Store to a running kernel as an external bus
// listener, the same way any other integration observes the kernel —
// it never reaches into kernel internals.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	mu        sync.Mutex
	callStart map[string]callStart
}

type callStart struct {
	domain  string
	service string
	at      time.Time
}

// NewRecorder creates a Recorder writing to store. logger defaults to
// slog.Default() if nil.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, callStart: make(map[string]callStart)}
}

// Attach subscribes the recorder to call_service/service_executed on
// bus so every service invocation's wall-clock duration is logged to
// the store. Safe to call once per bus.
func (r *Recorder) Attach(bus *kernel.EventBus) {
	bus.Listen(kernel.EventCallService, r.onCallService)
	bus.Listen(kernel.EventServiceExecuted, r.onServiceExecuted)
}

func (r *Recorder) onCallService(e kernel.Event) {
	callID, _ := e.Data[kernel.AttrServiceCallID].(string)
	if callID == "" {
		return
	}
	domain, _ := e.Data[kernel.AttrDomain].(string)
	service, _ := e.Data[kernel.AttrService].(string)

	r.mu.Lock()
	r.callStart[callID] = callStart{domain: domain, service: service, at: time.Now()}
	r.mu.Unlock()
}

func (r *Recorder) onServiceExecuted(e kernel.Event) {
	callID, _ := e.Data[kernel.AttrServiceCallID].(string)
	if callID == "" {
		return
	}

	r.mu.Lock()
	start, ok := r.callStart[callID]
	delete(r.callStart, callID)
	r.mu.Unlock()
	if !ok {
		return
	}

	duration := time.Since(start.at)
	if err := r.store.RecordServiceLatency(start.domain, start.service, duration); err != nil {
		r.logger.Warn("diagnostics: failed to record service latency",
			"domain", start.domain, "service", start.service, "error", err)
	}
}

// BusyCallback returns a kernel.BusyCallback that records every
// busy-pool threshold crossing. Pass it to kernel.NewWorkerPool.
func (r *Recorder) BusyCallback() kernel.BusyCallback {
	return func(workerCount, pendingJobs int, _ []kernel.CurrentJob) {
		if err := r.store.RecordBusyWarning(workerCount, pendingJobs); err != nil {
			r.logger.Warn("diagnostics: failed to record busy warning", "error", err)
		}
	}
}
