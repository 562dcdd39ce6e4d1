package dap

import (
	"net"

	"github.com/memscan/memscan/pkg/remote"
)

// Config is the information needed to serve one DAP client.
type Config struct {
	// Listener accepts the client connection. The server takes ownership.
	Listener net.Listener

	// Dial and Addr reach the target when the client attaches.
	Dial remote.Dialer
	Addr string

	// Remote tunes the client used to talk to the target.
	Remote remote.Config

	// MaxReadSize bounds the count of a readMemory request. Zero means
	// defaultMaxReadSize.
	MaxReadSize int

	// DisconnectChan is closed by the server when the client disconnects
	// or the connection fails. Server.Stop must be called afterwards.
	DisconnectChan chan<- struct{}
}
