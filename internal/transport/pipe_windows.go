//go:build windows

package transport

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// listenPipe creates a named pipe listener on Windows.
func listenPipe(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, nil)
}
