package webhook

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first descriptor systemd passes to an activated
// service; 0-2 are stdio.
const listenFDsStart = 3

// activatedListener returns the first socket systemd passed to this
// process, or nil when the process was not socket activated. Further
// sockets are closed.
func activatedListener() (net.Listener, error) {
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
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return nil, nil
	}

	// Children such as git must not think the sockets are theirs.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	var first net.Listener
	for i := 0; i < n; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(i))
		if file == nil {
			return nil, fmt.Errorf("invalid socket descriptor %d", fd)
		}
		if i > 0 {
			_ = file.Close()
			continue
		}
		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to use socket descriptor %d: %w", fd, err)
		}
		first = l
	}
	return first, nil
}

// listen returns the socket-activated listener if there is one, otherwise
// a TCP listener on addr.
func listen(addr string) (net.Listener, error) {
	l, err := activatedListener()
	if err != nil {
		return nil, err
	}
	if l != nil {
		return l, nil
	}
	return net.Listen("tcp", addr)
}
