package msgflow

import (
	"google.golang.org/protobuf/proto"

	enginepkg "github.com/drblury/msgflow/internal/engine"
	configpkg "github.com/drblury/msgflow/internal/engine/config"
	errspkg "github.com/drblury/msgflow/internal/engine/errors"
	idspkg "github.com/drblury/msgflow/internal/engine/ids"
	jsoncodec "github.com/drblury/msgflow/internal/engine/jsoncodec"
	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
	metadatapkg "github.com/drblury/msgflow/internal/engine/metadata"
	metricspkg "github.com/drblury/msgflow/internal/engine/metrics"
	poolpkg "github.com/drblury/msgflow/internal/engine/pool"
	schedulerpkg "github.com/drblury/msgflow/internal/engine/scheduler"
	tracingpkg "github.com/drblury/msgflow/internal/engine/tracing"
	transportpkg "github.com/drblury/msgflow/transport"
)

type (
	Config       = configpkg.Config
	Host         = enginepkg.Host
	Dependencies = enginepkg.Dependencies
	Cache        = enginepkg.Cache

	RoutingMode           = enginepkg.RoutingMode
	HandlerFunc           = enginepkg.HandlerFunc
	MessageContext[T any] = enginepkg.MessageContext[T]
	Codec                 = enginepkg.Codec
	TypeNamer             = enginepkg.TypeNamer
	DefaultCodec          = enginepkg.DefaultCodec

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableEventError = enginepkg.UnprocessableEventError
	HandlerInfo             = enginepkg.HandlerInfo
	HandlerStatsSnapshot    = enginepkg.HandlerStatsSnapshot

	Tracer = tracingpkg.Tracer

	Metrics = metricspkg.Metrics

	WorkerPool = poolpkg.Pool

	Scheduler      = schedulerpkg.Scheduler
	TaskID         = schedulerpkg.TaskID
	TaskFunc       = schedulerpkg.TaskFunc
	TaskMode       = schedulerpkg.Mode
	TaskStats      = schedulerpkg.TaskStats
	SchedulerStats = schedulerpkg.Stats

	// Modular transport types
	Transport         = transportpkg.Conn
	TransportMessage  = transportpkg.Message
	TransportBuilder  = transportpkg.Builder
	TransportConfig   = transportpkg.Config
	TransportRegistry = transportpkg.Registry
)

const (
	Broadcast    = enginepkg.Broadcast
	PointToPoint = enginepkg.PointToPoint

	TaskRecurring   = schedulerpkg.Recurring
	TaskOneTime     = schedulerpkg.OneTime
	TaskConditional = schedulerpkg.Conditional

	MetadataKeyCorrelationID = enginepkg.MetadataKeyCorrelationID

	LevelTrace = loggingpkg.LevelTrace
)

var (
	NewHost        = enginepkg.NewHost
	TryNewHost     = enginepkg.TryNewHost
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	BroadcastSubject    = enginepkg.BroadcastSubject
	PointToPointSubject = enginepkg.PointToPointSubject
	TypeNameOf          = enginepkg.TypeNameOf

	MetadataFromContext = enginepkg.MetadataFromContext
	LoggerFromContext   = enginepkg.LoggerFromContext
	SignalContext       = enginepkg.SignalContext

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewOTelTracer = tracingpkg.NewOTelTracer
	NewNoopTracer = tracingpkg.NewNoopTracer

	NewWorkerPool = poolpkg.New
	NewScheduler  = schedulerpkg.New

	CreateULID  = idspkg.CreateULID
	NewMetadata = metadatapkg.New

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	RegisterTransport = transportpkg.Register
	TransportNames    = transportpkg.Names

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrHostRequired         = errspkg.ErrHostRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTypeNameRequired     = errspkg.ErrTypeNameRequired
	ErrTargetUIDRequired    = errspkg.ErrTargetUIDRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired
	ErrHostClosed           = errspkg.ErrHostClosed
	ErrMessagePointerNeeded = errspkg.ErrMessagePointerNeeded
)

// NewEntryServiceLogger wraps an entry-style logger (for example a
// logrus.Entry) as a ServiceLogger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// RegisterJSONHandler registers a typed JSON handler on h. Generic functions
// cannot sit in the var block above, so these wrappers forward explicitly.
func RegisterJSONHandler[T any](h *Host, routing RoutingMode, handler func(MessageContext[T]) error) error {
	return enginepkg.RegisterJSONHandler(h, routing, handler)
}

// RegisterProtoHandler registers a typed protobuf handler on h.
func RegisterProtoHandler[T proto.Message](h *Host, routing RoutingMode, handler func(MessageContext[T]) error) error {
	return enginepkg.RegisterProtoHandler(h, routing, handler)
}
