//go:build windows

package ipc

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

const pipeName = `\\.\pipe\claudedeck-daemon`

// listenEndpoint binds a named pipe with a stable name. The path
// argument is the socket file used on POSIX systems and only
// documents the data directory here; pipes have no filesystem entry to
// clean up.
func listenEndpoint(_ string) (net.Listener, error) {
	// NULL DACL would be world-writable; default security restricts
	// the pipe to the creating user.
	ln, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", pipeName, err)
	}
	return ln, nil
}

func removeEndpoint(_ string) {}
