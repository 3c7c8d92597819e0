// Package msgflow hosts message-driven microservices: it connects a service
// to its broker, routes inbound messages to registered handlers by fully
// qualified type name, runs the handlers on a bounded worker pool, and keeps
// periodic maintenance going through an integrated task scheduler.
//
// A minimal service fills a Config, creates a Host, registers typed handlers,
// and calls Start (or RunUntilSignalled for a blocking lifecycle with signal
// handling):
//
//	conf := msgflow.Config{
//		ServiceName: "billing",
//		Transport:   "nats",
//		NATSURL:     "nats://localhost:4222",
//	}
//	host := msgflow.NewHost(&conf, logger, ctx, msgflow.Dependencies{})
//	msgflow.RegisterJSONHandler(host, msgflow.Broadcast,
//		func(mc msgflow.MessageContext[InvoicePaid]) error {
//			mc.Logger.Info("invoice paid", msgflow.LogFields{"id": mc.Payload.ID})
//			return nil
//		})
//	host.RunUntilSignalled(ctx)
//
// # Routing
//
// Messages travel on two subject families: broadcast subjects
// ("system.broadcast.<Type>") reach every subscriber of the type, and
// point-to-point subjects ("system.direct.<UID>.<Type>") reach exactly one
// service instance. RegisterProtoHandler and RegisterJSONHandler derive the
// type name from the protobuf descriptor or the Go struct and take care of
// decoding, correlation IDs, and per-message loggers.
//
// # Dispatch paths
//
// The host dispatches through one of two interchangeable paths: a fast path
// that does nothing but serialize and send, and a traced path that opens
// OpenTelemetry spans and propagates trace context through message headers.
// EnableTracing and DisableTracing swap the active path atomically at
// runtime; steady-state dispatch pays a single pointer load either way.
//
// # Scheduling
//
// Host.Scheduler schedules recurring, one-time, conditional, and cron tasks
// onto the same worker pool that runs message handlers, so one Threads
// setting bounds all concurrent work. The host registers its own maintenance
// tasks there: metrics flushing, cache cleanup, health heartbeats, and a
// backpressure monitor that fires when the pool backlog exceeds the
// configured threshold.
//
// # Transports
//
// Transports register themselves by name; importing a transport package is
// enough to make it available to Config.Transport. The nats transport speaks
// to a NATS broker, and the channel transport delivers in-memory for tests.
package msgflow
