package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd passes inherited sockets starting at fd 3
const listenFDsStart = 3

// activatedListeners returns the sockets passed by systemd socket
// activation, or nil when the process was not socket activated.
func activatedListeners() ([]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("pkgsyncd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to open fd %d", fd)
		}
		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}

	// children must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first socket-activated listener, or a new TCP listener
// on addr when the process was not socket activated. Additional activated
// sockets are closed.
func Listen(addr string) (net.Listener, bool, error) {
	listeners, err := activatedListeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], true, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
