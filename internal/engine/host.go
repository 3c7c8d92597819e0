package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/drblury/msgflow/internal/engine/config"
	errspkg "github.com/drblury/msgflow/internal/engine/errors"
	"github.com/drblury/msgflow/internal/engine/jsoncodec"
	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
	metricspkg "github.com/drblury/msgflow/internal/engine/metrics"
	poolpkg "github.com/drblury/msgflow/internal/engine/pool"
	schedulerpkg "github.com/drblury/msgflow/internal/engine/scheduler"
	tracingpkg "github.com/drblury/msgflow/internal/engine/tracing"
	transportpkg "github.com/drblury/msgflow/transport"
)

// Cache is the collaborator purged by the built-in cache cleanup task. The
// eviction structure itself lives outside the engine.
type Cache interface {
	// CleanupExpired removes expired entries and returns how many it purged.
	CleanupExpired() int
}

// Dependencies holds the optional collaborators a Host can use. Leave fields
// nil to get the defaults: a transport dialled from config, the composite
// protobuf/JSON codec, and a no-op tracer.
type Dependencies struct {
	Conn   transportpkg.Conn
	Codec  Codec
	Tracer tracingpkg.Tracer
	Cache  Cache
}

// Host routes inbound broker messages to registered handlers, executes them
// on a bounded worker pool, and runs periodic self-maintenance through the
// integrated scheduler.
type Host struct {
	conf *configpkg.Config
	log  loggingpkg.ServiceLogger

	conn   transportpkg.Conn
	codec  Codec
	tracer tracingpkg.Tracer
	cache  Cache

	pool    *poolpkg.Pool
	sched   *schedulerpkg.Scheduler
	metrics *metricspkg.Metrics

	handlersMu sync.RWMutex
	handlers   map[string]*handlerEntry
	subscribed map[string]bool

	publishMu sync.Mutex
	path      atomic.Pointer[dispatchPath]
	fast      *dispatchPath
	traced    *dispatchPath

	metricsSrv *http.Server

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
}

type handlerEntry struct {
	typeName string
	routing  RoutingMode
	handler  HandlerFunc
	stats    *HandlerStats
}

// NewHost constructs a Host or panics when the transport is unreachable: a
// service that cannot reach its broker must not come up. Use TryNewHost when
// the caller wants to handle startup failure itself.
func NewHost(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps Dependencies) *Host {
	h, err := TryNewHost(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return h
}

// TryNewHost constructs a Host for the supplied configuration. Register
// handlers on the returned Host before calling Start.
func TryNewHost(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps Dependencies) (*Host, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	normalized := conf.WithDefaults()
	if err := normalized.Validate(); err != nil {
		return nil, fmt.Errorf("msgflow: invalid config: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log.Info("creating service host", loggingpkg.LogFields{
		"service_uid":  normalized.ServiceUID,
		"service_name": normalized.ServiceName,
		"transport":    normalized.Transport,
		"threads":      normalized.Threads,
	})

	conn := deps.Conn
	if conn == nil {
		var err error
		conn, err = transportpkg.Build(ctx, normalized.Transport, transportpkg.Config{
			URL:        normalized.NATSURL,
			ClientName: normalized.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("msgflow: transport connect: %w", err)
		}
	}

	codec := deps.Codec
	if codec == nil {
		codec = DefaultCodec{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracingpkg.NewNoopTracer()
	}

	h := &Host{
		conf:       &normalized,
		log:        log,
		conn:       conn,
		codec:      codec,
		tracer:     tracer,
		cache:      deps.Cache,
		metrics:    metricspkg.New("msgflow"),
		handlers:   make(map[string]*handlerEntry),
		subscribed: make(map[string]bool),
	}

	h.pool = poolpkg.New(normalized.Threads, log)
	h.sched = schedulerpkg.New(h.pool, log,
		schedulerpkg.WithResultObserver(h.observeTaskResult))

	h.fast = h.buildFastPath()
	h.traced = h.buildTracedPath()
	if normalized.TracingEnabled {
		h.path.Store(h.traced)
	} else {
		h.path.Store(h.fast)
	}

	return h, nil
}

// Start brings up the scheduler, the built-in maintenance tasks, the metrics
// endpoint, and any subscriptions that could not be made at registration
// time. Start does not block; use Run for a blocking lifecycle.
func (h *Host) Start() error {
	if h.stopping.Load() {
		return errspkg.ErrHostClosed
	}
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}

	h.subscribePending()
	h.sched.Start()
	h.registerMaintenanceTasks()
	h.startMetricsServer()

	h.log.Info("service host started", loggingpkg.LogFields{
		"service_uid": h.conf.ServiceUID,
		"workers":     h.pool.Size(),
	})
	return nil
}

// Run starts the host and blocks until ctx is cancelled, then shuts down.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	h.Shutdown()
	return nil
}

// Shutdown stops the scheduler, joins the worker pool, and closes the
// transport. Idempotent.
func (h *Host) Shutdown() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.log.Info("shutting down service host", nil)

		h.sched.Stop()
		h.pool.Shutdown()

		if h.metricsSrv != nil {
			if err := h.metricsSrv.Close(); err != nil {
				h.log.Error("failed to close metrics server", err, nil)
			}
		}
		if err := h.conn.Close(); err != nil {
			h.log.Error("failed to close transport", err, nil)
		}
		h.metrics.HealthStatus.Set(0)

		h.log.Info("service host shutdown completed", nil)
	})
}

// Healthy reports whether the host is running with a live broker connection.
func (h *Host) Healthy() bool {
	return !h.stopping.Load() && h.conn.IsConnected()
}

// Status returns a coarse state string for health endpoints.
func (h *Host) Status() string {
	if h.stopping.Load() {
		return "shutting_down"
	}
	if !h.conn.IsConnected() {
		return "disconnected"
	}
	return "healthy"
}

// UID returns the service instance identifier.
func (h *Host) UID() string { return h.conf.ServiceUID }

// ServiceName returns the human-readable service identity.
func (h *Host) ServiceName() string { return h.conf.ServiceName }

// Scheduler exposes the task scheduler for application tasks.
func (h *Host) Scheduler() *schedulerpkg.Scheduler { return h.sched }

// PendingWork returns the number of work items queued on the pool.
func (h *Host) PendingWork() int { return h.pool.Pending() }

// Metrics exposes the host's Prometheus collector set.
func (h *Host) Metrics() *metricspkg.Metrics { return h.metrics }

// Handlers returns a snapshot of every registry entry and its counters.
func (h *Host) Handlers() []HandlerInfo {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()

	infos := make([]HandlerInfo, 0, len(h.handlers))
	for _, entry := range h.handlers {
		infos = append(infos, HandlerInfo{
			TypeName: entry.typeName,
			Routing:  entry.routing,
			Stats:    entry.stats.Snapshot(),
		})
	}
	return infos
}

// registerMaintenanceTasks wires the host's self-maintenance onto the shared
// scheduler: metrics flush, cache cleanup, health heartbeat, and the
// conditional backpressure monitor.
func (h *Host) registerMaintenanceTasks() {
	h.sched.ScheduleInterval("metrics_flush", h.conf.MetricsFlushInterval, h.flushMetrics)
	h.sched.ScheduleInterval("health_heartbeat", h.conf.HealthHeartbeatInterval, h.heartbeat)
	h.sched.ScheduleConditional("backpressure_monitor", h.conf.BackpressureInterval,
		func() bool { return h.pool.Pending() > h.conf.QueueBacklogThreshold },
		h.reportBackpressure)

	if h.cache != nil {
		h.sched.ScheduleInterval("cache_cleanup", h.conf.CacheCleanupInterval, func() {
			purged := h.cache.CleanupExpired()
			if purged > 0 {
				h.log.Debug("cache cleanup completed", loggingpkg.LogFields{"purged": purged})
			}
		})
	}
}

func (h *Host) flushMetrics() {
	h.metrics.QueueDepth.Set(float64(h.pool.Pending()))
	h.log.Trace("metrics flushed", loggingpkg.LogFields{"pending": h.pool.Pending()})
}

func (h *Host) heartbeat() {
	status := h.Status()
	if status == "healthy" {
		h.metrics.HealthStatus.Set(1)
	} else {
		h.metrics.HealthStatus.Set(0)
	}
	h.log.Trace("health heartbeat", loggingpkg.LogFields{"status": status})
}

func (h *Host) reportBackpressure() {
	pending := h.pool.Pending()
	h.metrics.BackpressureHits.Inc()
	h.log.Error("backpressure detected", nil, loggingpkg.LogFields{
		"pending":   pending,
		"threshold": h.conf.QueueBacklogThreshold,
	})
}

func (h *Host) observeTaskResult(name string, _ time.Duration, err error) {
	if err != nil {
		h.metrics.TaskFailures.Inc()
		h.log.Debug("scheduled task failed", loggingpkg.LogFields{"task": name})
		return
	}
	h.metrics.TasksExecuted.Inc()
}

// healthReport is the body served on /healthz.
type healthReport struct {
	Status      string `json:"status"`
	ServiceName string `json:"service_name"`
	ServiceUID  string `json:"service_uid"`
	PendingWork int    `json:"pending_work"`
}

func (h *Host) serveHealth(w http.ResponseWriter, _ *http.Request) {
	report := healthReport{
		Status:      h.Status(),
		ServiceName: h.conf.ServiceName,
		ServiceUID:  h.conf.ServiceUID,
		PendingWork: h.pool.Pending(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := jsoncodec.Encode(w, report); err != nil {
		h.log.Error("write health report", err, nil)
	}
}

func (h *Host) startMetricsServer() {
	if !h.conf.MetricsEnabled || h.conf.MetricsPort <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/healthz", h.serveHealth)
	h.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.conf.MetricsPort),
		Handler: mux,
	}

	h.log.Info("starting metrics server", loggingpkg.LogFields{"address": h.metricsSrv.Addr})
	go func() {
		if err := h.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("metrics server failed", err, nil)
		}
	}()
}
