package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	configpkg "github.com/drblury/msgflow/internal/engine/config"
	errspkg "github.com/drblury/msgflow/internal/engine/errors"
	"github.com/drblury/msgflow/internal/engine/jsoncodec"
	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
	metadatapkg "github.com/drblury/msgflow/internal/engine/metadata"
	tracingpkg "github.com/drblury/msgflow/internal/engine/tracing"
	transportpkg "github.com/drblury/msgflow/transport"
	"github.com/drblury/msgflow/transport/channel"
)

type orderCreated struct {
	ID     int     `json:"id"`
	Amount float64 `json:"amount"`
}

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.DiscardHandler))
}

func testConfig(uid string) *configpkg.Config {
	return &configpkg.Config{
		ServiceUID:  uid,
		ServiceName: "host-under-test",
		Transport:   "channel",
		Threads:     2,
	}
}

func newTestHost(t *testing.T, uid string, conn transportpkg.Conn, deps Dependencies) *Host {
	t.Helper()
	deps.Conn = conn
	h, err := TryNewHost(testConfig(uid), testLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	t.Cleanup(h.Shutdown)
	return h
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	h := newTestHost(t, "uid-rt", channel.New(), Dependencies{})

	received := make(chan MessageContext[orderCreated], 1)
	err := RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		received <- mc
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.PublishBroadcast(context.Background(), orderCreated{ID: 7, Amount: 3.5}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mc := waitFor(t, received, "broadcast delivery")
	if mc.Payload.ID != 7 || mc.Payload.Amount != 3.5 {
		t.Fatalf("payload corrupted in transit: %+v", mc.Payload)
	}
	if mc.Metadata[MetadataKeyCorrelationID] == "" {
		t.Fatal("correlation id was not assigned")
	}
	if mc.Logger == nil {
		t.Fatal("per-message logger missing")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	h := newTestHost(t, "uid-proto", channel.New(), Dependencies{})

	received := make(chan *structpb.Struct, 1)
	err := RegisterProtoHandler(h, Broadcast, func(mc MessageContext[*structpb.Struct]) error {
		received <- mc.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	event, err := structpb.NewStruct(map[string]any{"order": "o-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.PublishBroadcast(context.Background(), event, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitFor(t, received, "proto delivery")
	if got.Fields["order"].GetStringValue() != "o-1" {
		t.Fatalf("proto payload corrupted: %v", got)
	}

	infos := h.Handlers()
	if len(infos) != 1 || infos[0].TypeName != "google.protobuf.Struct" {
		t.Fatalf("descriptor name not used as registry key: %+v", infos)
	}
}

func TestPointToPointReachesOnlyTheAddressedInstance(t *testing.T) {
	conn := channel.New()
	hostA := newTestHost(t, "uid-a", conn, Dependencies{})
	hostB := newTestHost(t, "uid-b", conn, Dependencies{})

	gotA := make(chan int, 1)
	gotB := make(chan int, 1)
	RegisterJSONHandler(hostA, PointToPoint, func(mc MessageContext[orderCreated]) error {
		gotA <- mc.Payload.ID
		return nil
	})
	RegisterJSONHandler(hostB, PointToPoint, func(mc MessageContext[orderCreated]) error {
		gotB <- mc.Payload.ID
		return nil
	})

	if err := hostA.PublishPointToPoint(context.Background(), "uid-b", orderCreated{ID: 99}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if id := waitFor(t, gotB, "point-to-point delivery"); id != 99 {
		t.Fatalf("wrong payload at addressed instance: %d", id)
	}
	select {
	case id := <-gotA:
		t.Fatalf("instance uid-a received a message addressed at uid-b: %d", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisteredTypeIsDroppedWithoutSideEffects(t *testing.T) {
	h := newTestHost(t, "uid-miss", channel.New(), Dependencies{})

	received := make(chan struct{}, 1)
	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		received <- struct{}{}
		return nil
	})

	h.ReceiveMessage("billing.UnknownType", []byte(`{}`), nil)

	if err := h.PublishBroadcast(context.Background(), orderCreated{ID: 1}, nil); err != nil {
		t.Fatalf("publish after miss: %v", err)
	}
	waitFor(t, received, "delivery after a routing miss")
}

func TestReRegistrationReplacesHandler(t *testing.T) {
	h := newTestHost(t, "uid-replace", channel.New(), Dependencies{})

	firstCalled := make(chan struct{}, 1)
	secondCalled := make(chan struct{}, 1)

	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		firstCalled <- struct{}{}
		return nil
	})
	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		secondCalled <- struct{}{}
		return nil
	})

	if err := h.PublishBroadcast(context.Background(), orderCreated{ID: 2}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, secondCalled, "replacement handler")
	select {
	case <-firstCalled:
		t.Fatal("replaced handler still received the message")
	case <-time.After(100 * time.Millisecond):
	}

	infos := h.Handlers()
	if len(infos) != 1 {
		t.Fatalf("expected a single registry entry, got %d", len(infos))
	}
}

func TestCorrelationIDIsPreservedAcrossHops(t *testing.T) {
	h := newTestHost(t, "uid-corr", channel.New(), Dependencies{})

	seen := make(chan string, 1)
	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		seen <- mc.Metadata[MetadataKeyCorrelationID]
		return nil
	})

	md := metadatapkg.New(MetadataKeyCorrelationID, "corr-12345")
	if err := h.PublishBroadcast(context.Background(), orderCreated{ID: 3}, md); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := waitFor(t, seen, "correlated delivery"); got != "corr-12345" {
		t.Fatalf("correlation id rewritten in transit: %q", got)
	}
}

func TestDecodeFailureIsClassifiedSeparately(t *testing.T) {
	h := newTestHost(t, "uid-decode", channel.New(), Dependencies{})

	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		t.Error("handler body ran on an undecodable payload")
		return nil
	})

	h.ReceiveMessage("orderCreated", []byte("definitely not json"), nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		infos := h.Handlers()
		if len(infos) == 1 && infos[0].Stats.DecodeFailures == 1 {
			if infos[0].Stats.MessagesFailed != 0 {
				t.Fatalf("decode failure double-counted as handler failure: %+v", infos[0].Stats)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("decode failure never recorded: %+v", infos)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerErrorsAreCounted(t *testing.T) {
	h := newTestHost(t, "uid-fail", channel.New(), Dependencies{})

	boom := errors.New("boom")
	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		return boom
	})

	if err := h.PublishBroadcast(context.Background(), orderCreated{ID: 4}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		infos := h.Handlers()
		if len(infos) == 1 && infos[0].Stats.MessagesFailed == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler failure never recorded: %+v", infos)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// recordingTracer counts spans and stamps a marker header on Inject so tests
// can tell which dispatch path carried a message.
type recordingTracer struct {
	inner trace.Tracer

	mu    sync.Mutex
	spans []string
}

func newRecordingTracer() *recordingTracer {
	return &recordingTracer{inner: noop.NewTracerProvider().Tracer("test")}
}

func (r *recordingTracer) StartSpan(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return r.inner.Start(ctx, name)
}

func (r *recordingTracer) Inject(_ context.Context, carrier propagation.TextMapCarrier) {
	carrier.Set("x-test-traceparent", "stamped")
}

func (r *recordingTracer) Extract(ctx context.Context, _ propagation.TextMapCarrier) context.Context {
	return ctx
}

func (r *recordingTracer) spanNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spans...)
}

var _ tracingpkg.Tracer = (*recordingTracer)(nil)

func TestTracingToggleSwitchesDispatchPath(t *testing.T) {
	tracer := newRecordingTracer()
	h := newTestHost(t, "uid-trace", channel.New(), Dependencies{Tracer: tracer})

	received := make(chan metadatapkg.Metadata, 4)
	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		received <- mc.Metadata
		return nil
	})

	if h.TracingEnabled() {
		t.Fatal("tracing must default to off")
	}

	// Fast path: no spans, no injected headers.
	h.PublishBroadcast(context.Background(), orderCreated{ID: 1}, nil)
	md := waitFor(t, received, "fast path delivery")
	if md["x-test-traceparent"] != "" {
		t.Fatal("fast path injected trace context")
	}
	if len(tracer.spanNames()) != 0 {
		t.Fatalf("fast path opened spans: %v", tracer.spanNames())
	}

	// Traced path: spans on both ends, header stamped.
	h.EnableTracing()
	if !h.TracingEnabled() {
		t.Fatal("tracing did not switch on")
	}
	h.PublishBroadcast(context.Background(), orderCreated{ID: 2}, nil)
	md = waitFor(t, received, "traced path delivery")
	if md["x-test-traceparent"] != "stamped" {
		t.Fatal("traced path did not inject trace context")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		names := tracer.spanNames()
		if len(names) >= 2 {
			if names[0] != "publish orderCreated" || names[1] != "receive orderCreated" {
				t.Fatalf("unexpected span names: %v", names)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected publish and receive spans, got %v", names)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Back to the fast path.
	h.DisableTracing()
	spansBefore := len(tracer.spanNames())
	h.PublishBroadcast(context.Background(), orderCreated{ID: 3}, nil)
	waitFor(t, received, "post-disable delivery")
	if got := len(tracer.spanNames()); got != spansBefore {
		t.Fatalf("spans opened after tracing was disabled: %d -> %d", spansBefore, got)
	}
}

func TestConcurrentPublishersWithTracingToggle(t *testing.T) {
	conn := channel.New()
	h := newTestHost(t, "uid-race", conn, Dependencies{Tracer: newRecordingTracer()})

	pubErr := make(chan string, 1)
	RegisterJSONHandler(h, Broadcast, func(mc MessageContext[orderCreated]) error {
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := h.PublishBroadcast(context.Background(), orderCreated{ID: j}, nil); err != nil {
					select {
					case pubErr <- err.Error():
					default:
					}
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				h.EnableTracing()
			} else {
				h.DisableTracing()
			}
		}
	}()
	wg.Wait()

	select {
	case msg := <-pubErr:
		t.Fatalf("publish failed under concurrency: %s", msg)
	default:
	}
}

type failingConn struct{}

func (failingConn) Subscribe(string, transportpkg.MessageHandler) error { return nil }
func (failingConn) Publish(string, []byte, map[string]string) error {
	return errors.New("broker rejected send")
}
func (failingConn) IsConnected() bool { return true }
func (failingConn) Close() error     { return nil }

func TestPublishFailuresAreSwallowed(t *testing.T) {
	h := newTestHost(t, "uid-swallow", failingConn{}, Dependencies{})

	if err := h.PublishBroadcast(context.Background(), orderCreated{ID: 1}, nil); err != nil {
		t.Fatalf("transport failure escaped the fire-and-forget contract: %v", err)
	}
}

func TestShutdownIsIdempotentAndFinal(t *testing.T) {
	h := newTestHost(t, "uid-stop", channel.New(), Dependencies{})
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.Healthy() {
		t.Fatal("host not healthy after start")
	}

	h.Shutdown()
	h.Shutdown()

	if h.Healthy() {
		t.Fatal("host still healthy after shutdown")
	}
	if got := h.Status(); got != "shutting_down" {
		t.Fatalf("unexpected status after shutdown: %q", got)
	}

	err := h.PublishBroadcast(context.Background(), orderCreated{ID: 5}, nil)
	if !errors.Is(err, errspkg.ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed after shutdown, got %v", err)
	}
	if err := h.RegisterHandler("x", Broadcast, func(context.Context, []byte) error { return nil }); !errors.Is(err, errspkg.ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed on late registration, got %v", err)
	}
}

func TestTryNewHostValidation(t *testing.T) {
	if _, err := TryNewHost(nil, testLogger(), context.Background(), Dependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := TryNewHost(testConfig("u"), nil, context.Background(), Dependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}

	conf := testConfig("u")
	conf.Transport = "no-such-transport"
	if _, err := TryNewHost(conf, testLogger(), context.Background(), Dependencies{}); err == nil {
		t.Fatal("expected an error for an unregistered transport")
	}
}

func TestProtoMessageTypeMustBePointer(t *testing.T) {
	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.Is(err, errspkg.ErrMessagePointerNeeded) {
			t.Fatalf("expected ErrMessagePointerNeeded panic, got %v", err)
		}
	}()
	newProtoMessage[proto.Message]()
}

func TestHealthEndpointReportsStatus(t *testing.T) {
	h := newTestHost(t, "uid-health", channel.New(), Dependencies{})
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := httptest.NewRecorder()
	h.serveHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while healthy, got %d", rec.Code)
	}
	var report healthReport
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode health report: %v", err)
	}
	if report.Status != "healthy" || report.ServiceUID != "uid-health" {
		t.Fatalf("unexpected report %+v", report)
	}

	h.Shutdown()
	rec = httptest.NewRecorder()
	h.serveHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rec.Code)
	}
}

func TestRegisterHandlerValidation(t *testing.T) {
	h := newTestHost(t, "uid-val", channel.New(), Dependencies{})

	if err := h.RegisterHandler("", Broadcast, func(context.Context, []byte) error { return nil }); !errors.Is(err, errspkg.ErrTypeNameRequired) {
		t.Fatalf("expected ErrTypeNameRequired, got %v", err)
	}
	if err := h.RegisterHandler("t", Broadcast, nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
	if err := h.PublishPointToPoint(context.Background(), "", orderCreated{}, nil); !errors.Is(err, errspkg.ErrTargetUIDRequired) {
		t.Fatalf("expected ErrTargetUIDRequired, got %v", err)
	}
	if err := h.PublishBroadcast(context.Background(), nil, nil); !errors.Is(err, errspkg.ErrEventPayloadRequired) {
		t.Fatalf("expected ErrEventPayloadRequired, got %v", err)
	}
}
