package node

// Conn is one accepted stream as seen by a Handler. All methods are safe to
// call from the owning worker; Write and Close are also safe from any other
// goroutine, in which case they are routed through the worker's task queue.
type Conn interface {
	// Write sends data, queueing what the socket does not take right away.
	// Telling the owning worker from other goroutines takes a runtime.Stack
	// call whenever the worker is busy, handler callbacks included.
	Write(data []byte) error

	// Close closes the connection. Closing twice is a no-op.
	Close() error

	Fd() int
	ID() uint64
	RemoteAddr() string

	// WorkerID identifies the worker that owns the connection.
	WorkerID() int

	// Pending returns the number of bytes waiting for write readiness.
	Pending() int
	Closed() bool

	Context() interface{}
	SetContext(ctx interface{})
}
