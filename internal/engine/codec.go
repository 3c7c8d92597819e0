package engine

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	jsoncodec "github.com/drblury/msgflow/internal/engine/jsoncodec"
)

// Codec turns typed events into wire payloads and back, and derives the
// registry key / subject suffix for a value.
type Codec interface {
	Marshal(event any) ([]byte, error)
	Unmarshal(data []byte, into any) error
	// TypeName returns the fully qualified message type name used as the
	// registry key and subject suffix.
	TypeName(event any) string
}

// TypeNamer lets JSON event types override the reflected type name, for
// example to carry a namespaced name like "billing.InvoicePaid".
type TypeNamer interface {
	EventTypeName() string
}

// DefaultCodec serializes proto.Message values as protobuf binary and
// everything else as JSON. Type names come from the protobuf descriptor,
// the TypeNamer override, or the reflected struct name, in that order.
type DefaultCodec struct{}

func (DefaultCodec) Marshal(event any) ([]byte, error) {
	if pm, ok := event.(proto.Message); ok {
		return proto.Marshal(pm)
	}
	return jsoncodec.Marshal(event)
}

func (DefaultCodec) Unmarshal(data []byte, into any) error {
	if pm, ok := into.(proto.Message); ok {
		return proto.Unmarshal(data, pm)
	}
	return jsoncodec.Unmarshal(data, into)
}

func (DefaultCodec) TypeName(event any) string {
	return TypeNameOf(event)
}

// TypeNameOf derives the fully qualified type name for an event value.
func TypeNameOf(event any) string {
	switch v := event.(type) {
	case proto.Message:
		return string(v.ProtoReflect().Descriptor().FullName())
	case TypeNamer:
		return v.EventTypeName()
	}

	typ := reflect.TypeOf(event)
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil {
		return ""
	}
	if typ.Name() == "" {
		// Anonymous types have no stable name on the wire.
		return fmt.Sprintf("%v", typ)
	}
	return typ.Name()
}
