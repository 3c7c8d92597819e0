package engine

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/msgflow/internal/engine/errors"
	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
	metadatapkg "github.com/drblury/msgflow/internal/engine/metadata"
	transportpkg "github.com/drblury/msgflow/transport"
)

// RoutingMode selects the subject family a handler subscribes on.
type RoutingMode int

const (
	// Broadcast delivers to every service subscribed to the type.
	Broadcast RoutingMode = iota
	// PointToPoint delivers only to the instance addressed by UID.
	PointToPoint
)

func (m RoutingMode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case PointToPoint:
		return "point_to_point"
	default:
		return "unknown"
	}
}

// HandlerFunc is the raw handler shape held in the registry. Typed handlers
// registered through RegisterJSONHandler or RegisterProtoHandler decode the
// payload before the application code runs.
type HandlerFunc func(ctx context.Context, payload []byte) error

// RegisterHandler binds fn to typeName. Registering a type twice replaces
// the previous handler; the swap is logged so an accidental double
// registration is visible. When the transport is connected the subscription
// is made immediately, otherwise Start picks it up.
func (h *Host) RegisterHandler(typeName string, routing RoutingMode, fn HandlerFunc) error {
	if typeName == "" {
		return errspkg.ErrTypeNameRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	if h.stopping.Load() {
		return errspkg.ErrHostClosed
	}

	h.handlersMu.Lock()
	if _, exists := h.handlers[typeName]; exists {
		h.log.Info("replacing registered handler", loggingpkg.LogFields{
			"message_type": typeName,
			"routing":      routing.String(),
		})
	}
	h.handlers[typeName] = &handlerEntry{
		typeName: typeName,
		routing:  routing,
		handler:  fn,
		stats:    &HandlerStats{},
	}
	h.handlersMu.Unlock()

	h.log.Debug("handler registered", loggingpkg.LogFields{
		"message_type": typeName,
		"routing":      routing.String(),
	})

	if h.conn.IsConnected() {
		h.subscribeType(typeName, routing)
	}
	return nil
}

// subscribePending subscribes every registry entry that has no live
// subscription yet. Called from Start.
func (h *Host) subscribePending() {
	h.handlersMu.RLock()
	pending := make([]*handlerEntry, 0, len(h.handlers))
	for _, entry := range h.handlers {
		pending = append(pending, entry)
	}
	h.handlersMu.RUnlock()

	for _, entry := range pending {
		h.subscribeType(entry.typeName, entry.routing)
	}
}

// subscribeType opens the broker subscription for one message type. A
// subscription failure keeps the registration so a later Start can retry;
// the handler just stays dark until then.
func (h *Host) subscribeType(typeName string, routing RoutingMode) {
	subject := BroadcastSubject(typeName)
	if routing == PointToPoint {
		subject = PointToPointSubject(h.conf.ServiceUID, typeName)
	}

	h.handlersMu.Lock()
	if h.subscribed[subject] {
		h.handlersMu.Unlock()
		return
	}
	h.subscribed[subject] = true
	h.handlersMu.Unlock()

	err := h.conn.Subscribe(subject, func(msg transportpkg.Message) {
		h.onTransportMessage(msg)
	})
	if err != nil {
		h.handlersMu.Lock()
		delete(h.subscribed, subject)
		h.handlersMu.Unlock()
		h.log.Error("subscribe failed", err, loggingpkg.LogFields{
			"subject": subject,
		})
		return
	}

	h.log.Debug("subscribed", loggingpkg.LogFields{"subject": subject})
}

// onTransportMessage recovers the type name from the subject and routes the
// payload. Unparseable subjects count as routing misses.
func (h *Host) onTransportMessage(msg transportpkg.Message) {
	typeName, ok := typeFromBroadcast(msg.Subject)
	if !ok {
		typeName, ok = typeFromDirect(h.conf.ServiceUID, msg.Subject)
	}
	if !ok {
		h.metrics.RoutingMisses.Inc()
		h.log.Debug("message on unroutable subject", loggingpkg.LogFields{
			"subject": msg.Subject,
		})
		return
	}
	h.ReceiveMessage(typeName, msg.Data, metadatapkg.Metadata(msg.Header))
}

// MessageContext carries the decoded payload plus the per-message logger and
// envelope headers into a typed handler.
type MessageContext[T any] struct {
	Ctx      context.Context
	Payload  T
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// RegisterJSONHandler registers a handler for a JSON-encoded event type. The
// type name comes from the TypeNamer override or the struct name of T.
func RegisterJSONHandler[T any](h *Host, routing RoutingMode, handler func(MessageContext[T]) error) error {
	if h == nil {
		return errspkg.ErrHostRequired
	}
	var zero T
	typeName := TypeNameOf(zero)

	return h.RegisterHandler(typeName, routing, func(ctx context.Context, payload []byte) error {
		var event T
		if err := h.codec.Unmarshal(payload, &event); err != nil {
			return &UnprocessableEventError{TypeName: typeName, Err: err}
		}
		return handler(MessageContext[T]{
			Ctx:      ctx,
			Payload:  event,
			Metadata: MetadataFromContext(ctx),
			Logger:   LoggerFromContext(ctx, h.log),
		})
	})
}

// RegisterProtoHandler registers a handler for a protobuf message type keyed
// by the descriptor's fully qualified name.
func RegisterProtoHandler[T proto.Message](h *Host, routing RoutingMode, handler func(MessageContext[T]) error) error {
	if h == nil {
		return errspkg.ErrHostRequired
	}
	prototype := newProtoMessage[T]()
	typeName := string(prototype.ProtoReflect().Descriptor().FullName())

	return h.RegisterHandler(typeName, routing, func(ctx context.Context, payload []byte) error {
		event := newProtoMessage[T]()
		if err := proto.Unmarshal(payload, event); err != nil {
			return &UnprocessableEventError{TypeName: typeName, Err: err}
		}
		return handler(MessageContext[T]{
			Ctx:      ctx,
			Payload:  event,
			Metadata: MetadataFromContext(ctx),
			Logger:   LoggerFromContext(ctx, h.log),
		})
	})
}

// newProtoMessage builds a fresh non-nil instance of the pointer message
// type T.
func newProtoMessage[T proto.Message]() T {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		panic(fmt.Errorf("%w: %T", errspkg.ErrMessagePointerNeeded, zero))
	}
	return reflect.New(typ.Elem()).Interface().(T)
}
