package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/msgflow/internal/engine/errors"
	"github.com/drblury/msgflow/internal/engine/ids"
	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
	metadatapkg "github.com/drblury/msgflow/internal/engine/metadata"
)

// dispatchPath bundles the send and receive strategies in effect. The host
// swaps between the fast and traced variants with a single atomic pointer
// store, so a dispatch pays exactly one atomic load and zero branches for
// the tracing decision.
type dispatchPath struct {
	publish func(ctx context.Context, subject, typeName string, payload []byte, md metadatapkg.Metadata) error
	receive func(entry *handlerEntry, payload []byte, md metadatapkg.Metadata)
}

// EnableTracing switches dispatch to the traced path. In-flight messages
// finish on the path they started with.
func (h *Host) EnableTracing() {
	h.path.Store(h.traced)
	h.log.Info("tracing enabled", nil)
}

// DisableTracing switches dispatch back to the fast path.
func (h *Host) DisableTracing() {
	h.path.Store(h.fast)
	h.log.Info("tracing disabled", nil)
}

// TracingEnabled reports which dispatch path is active.
func (h *Host) TracingEnabled() bool {
	return h.path.Load() == h.traced
}

// PublishBroadcast publishes event to every subscriber of its type on the
// subject "system.broadcast.<TypeName>". Marshal failures are returned;
// transport failures are counted and logged but do not fail the caller.
func (h *Host) PublishBroadcast(ctx context.Context, event any, md metadatapkg.Metadata) error {
	if event == nil {
		return errspkg.ErrEventPayloadRequired
	}
	typeName := h.codec.TypeName(event)
	payload, err := h.codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("msgflow: marshal %s: %w", typeName, err)
	}
	return h.publish(ctx, BroadcastSubject(typeName), typeName, payload, md)
}

// PublishPointToPoint publishes event to exactly one service instance on the
// subject "system.direct.<TargetUID>.<TypeName>".
func (h *Host) PublishPointToPoint(ctx context.Context, targetUID string, event any, md metadatapkg.Metadata) error {
	if targetUID == "" {
		return errspkg.ErrTargetUIDRequired
	}
	if event == nil {
		return errspkg.ErrEventPayloadRequired
	}
	typeName := h.codec.TypeName(event)
	payload, err := h.codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("msgflow: marshal %s: %w", typeName, err)
	}
	return h.publish(ctx, PointToPointSubject(targetUID, typeName), typeName, payload, md)
}

func (h *Host) publish(ctx context.Context, subject, typeName string, payload []byte, md metadatapkg.Metadata) error {
	if h.stopping.Load() {
		return errspkg.ErrHostClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	md = md.Clone()
	if md[MetadataKeyCorrelationID] == "" {
		md[MetadataKeyCorrelationID] = ids.CreateULID()
	}

	p := h.path.Load()
	if err := p.publish(ctx, subject, typeName, payload, md); err != nil {
		h.metrics.PublishFailures.Inc()
		h.log.Error("publish failed", err, loggingpkg.LogFields{
			"subject":      subject,
			"message_type": typeName,
		})
	}
	return nil
}

// ReceiveMessage routes one inbound payload: look up the handler for its
// type, then hand the invocation to the worker pool. Runs on the transport's
// delivery goroutine and must stay cheap.
func (h *Host) ReceiveMessage(typeName string, payload []byte, md metadatapkg.Metadata) {
	p := h.path.Load()

	h.handlersMu.RLock()
	entry, ok := h.handlers[typeName]
	h.handlersMu.RUnlock()

	if !ok {
		h.metrics.RoutingMisses.Inc()
		h.log.Debug("no handler registered for message type", loggingpkg.LogFields{
			"message_type": typeName,
		})
		return
	}

	if !h.pool.Submit(func() { p.receive(entry, payload, md) }) {
		h.log.Debug("message dropped, worker pool is shut down", loggingpkg.LogFields{
			"message_type": typeName,
		})
	}
}

func (h *Host) buildFastPath() *dispatchPath {
	return &dispatchPath{
		publish: func(_ context.Context, subject, _ string, payload []byte, md metadatapkg.Metadata) error {
			return h.send(subject, payload, md)
		},
		receive: func(entry *handlerEntry, payload []byte, md metadatapkg.Metadata) {
			h.invokeHandler(context.Background(), entry, payload, md)
		},
	}
}

func (h *Host) buildTracedPath() *dispatchPath {
	return &dispatchPath{
		publish: func(ctx context.Context, subject, typeName string, payload []byte, md metadatapkg.Metadata) error {
			ctx, span := h.tracer.StartSpan(ctx, "publish "+typeName,
				attribute.String("messaging.system", h.conf.Transport),
				attribute.String("messaging.destination.name", subject),
				attribute.String("messaging.message.type", typeName),
			)
			defer span.End()

			h.tracer.Inject(ctx, md)
			err := h.send(subject, payload, md)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(otelcodes.Error, err.Error())
			}
			return err
		},
		receive: func(entry *handlerEntry, payload []byte, md metadatapkg.Metadata) {
			ctx := h.tracer.Extract(context.Background(), md)
			ctx, span := h.tracer.StartSpan(ctx, "receive "+entry.typeName,
				attribute.String("messaging.system", h.conf.Transport),
				attribute.String("messaging.message.type", entry.typeName),
			)
			defer span.End()

			if err := h.invokeHandler(ctx, entry, payload, md); err != nil {
				span.RecordError(err)
				span.SetStatus(otelcodes.Error, err.Error())
			}
		},
	}
}

// send is the single choke point onto the transport. The mutex serializes
// writers so interleaved publishes from handler goroutines cannot corrupt
// ordering guarantees the broker client gives a single caller.
func (h *Host) send(subject string, payload []byte, md metadatapkg.Metadata) error {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	return h.conn.Publish(subject, payload, md)
}

// invokeHandler runs one handler on a worker goroutine: correlation id,
// child logger, panic containment, stats and metrics.
func (h *Host) invokeHandler(ctx context.Context, entry *handlerEntry, payload []byte, md metadatapkg.Metadata) (err error) {
	correlationID := md[MetadataKeyCorrelationID]
	if correlationID == "" {
		correlationID = ids.CreateULID()
		md = md.With(MetadataKeyCorrelationID, correlationID)
	}

	log := h.log.With(loggingpkg.LogFields{
		"correlation_id": correlationID,
		"message_type":   entry.typeName,
	})
	ctx = withMetadata(ctx, md)
	ctx = withLogger(ctx, log)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("msgflow: handler panic: %v", r)
			log.Error("handler panicked", err, loggingpkg.LogFields{
				"stack": string(debug.Stack()),
			})
		}
		h.recordInvocation(entry, time.Since(start), err, log)
	}()

	log.Trace("dispatching message", nil)
	return entry.handler(ctx, payload)
}

func (h *Host) recordInvocation(entry *handlerEntry, duration time.Duration, err error, log loggingpkg.ServiceLogger) {
	var unprocessable *UnprocessableEventError
	decodeFailed := errors.As(err, &unprocessable)

	entry.stats.record(duration, err != nil, decodeFailed)
	h.metrics.MessagesProcessed.WithLabelValues(entry.typeName).Inc()
	h.metrics.HandlerDuration.WithLabelValues(entry.typeName).Observe(duration.Seconds())

	switch {
	case decodeFailed:
		h.metrics.DecodeFailures.Inc()
		log.Error("message payload could not be decoded", err, nil)
	case err != nil:
		h.metrics.MessagesFailed.WithLabelValues(entry.typeName).Inc()
		log.Error("handler returned an error", err, nil)
	}
}
