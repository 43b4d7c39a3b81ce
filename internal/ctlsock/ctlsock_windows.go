//go:build windows

package ctlsock

import (
	"net"
	"os"
	"strings"

	"github.com/Microsoft/go-winio"
)

// Listen binds the control socket as a named pipe, the platform twin of
// ctlsock_unix.go's Unix-domain listener -- matching
// common/socket/socket_windows.go's winio.ListenPipe(AGENT_PIPE, nil)
// pattern.
func Listen(path string) (net.Listener, error) {
	return winio.ListenPipe(pipeName(path), nil)
}

// Dial connects to the control socket's named pipe.
func Dial(path string) (net.Conn, error) {
	conn, err := winio.DialPipe(pipeName(path), nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapSocketAbsent(path, err)
		}
		return nil, err
	}
	return conn, nil
}

// pipeName maps a MALAI_HOME-relative socket path onto a well-known pipe
// namespace, since named pipes do not live on the filesystem the way
// Unix-domain sockets do.
func pipeName(path string) string {
	sanitized := strings.NewReplacer("\\", "-", "/", "-", ":", "-").Replace(path)
	return `\\.\pipe\malai-ctlsock-` + sanitized
}
