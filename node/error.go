package node

import "errors"

var (
	ErrAlreadyRegistered = errors.New("node: fd already registered")
	ErrNotRegistered     = errors.New("node: fd not registered")
	ErrPollerClosed      = errors.New("node: poller closed")
	ErrConnClosed        = errors.New("node: connection closed")
	ErrWorkerStopped     = errors.New("node: worker stopped")
	ErrServerStarted     = errors.New("node: server already started")
)
