package errors

import sterrors "errors"

var (
	ErrHostRequired         = sterrors.New("msgflow: service host is required")
	ErrHandlerRequired      = sterrors.New("msgflow: handler function is required")
	ErrTypeNameRequired     = sterrors.New("msgflow: message type name is required")
	ErrTargetUIDRequired    = sterrors.New("msgflow: target service UID is required")
	ErrEventPayloadRequired = sterrors.New("msgflow: event payload is required")
	ErrConfigRequired       = sterrors.New("msgflow: config is required")
	ErrLoggerRequired       = sterrors.New("msgflow: logger is required")
	ErrHostClosed           = sterrors.New("msgflow: service host is shut down")
	ErrMessagePointerNeeded = sterrors.New("msgflow: message type must be a pointer")
)
