package node

import (
	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

// Handler receives connection events. Every method runs on the goroutine of the
// worker that owns the connection, so a slow handler stalls all of that
// worker's connections.
type Handler interface {
	OnOpen(c Conn)

	// OnData delivers bytes read from c. data is the connection's scratch buffer
	// and is overwritten by the next read; copy what you keep.
	OnData(c Conn, data []byte)

	// OnWritable fires once queued output has been fully flushed.
	OnWritable(c Conn)

	// OnClosed fires exactly once per connection.
	OnClosed(c Conn)
}

// BaseHandler implements Handler with no-ops, for embedding.
type BaseHandler struct{}

func (BaseHandler) OnOpen(Conn)         {}
func (BaseHandler) OnData(Conn, []byte) {}
func (BaseHandler) OnWritable(Conn)     {}
func (BaseHandler) OnClosed(Conn)       {}

// EchoHandler writes every chunk back to its sender.
type EchoHandler struct {
	BaseHandler
}

func (EchoHandler) OnData(c Conn, data []byte) {
	log.Logger.Debug("read data", zap.Int("fd", c.Fd()), zap.ByteString("data", data))
	if err := c.Write(data); err != nil {
		log.Logger.Debug("echo write failed", zap.Int("fd", c.Fd()), zap.Error(err))
	}
}
