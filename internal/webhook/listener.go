package webhook

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDStart is the first file descriptor passed by systemd.
const listenFDStart = 3

// socketListener returns the first systemd-activated socket passed to this
// process, or nil when the process was not socket activated.
func socketListener() (net.Listener, error) {
	pid, err := envInt("LISTEN_PID")
	if err != nil || pid != os.Getpid() {
		return nil, err
	}
	fds, err := envInt("LISTEN_FDS")
	if err != nil || fds < 1 {
		return nil, err
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}

	f := os.NewFile(uintptr(listenFDStart), "gloader-socket")
	if f == nil {
		return nil, fmt.Errorf("socket fd %d is not valid", listenFDStart)
	}
	defer func() {
		_ = f.Close()
	}()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to use socket fd %d: %w", listenFDStart, err)
	}
	return ln, nil
}

// envInt parses an integer environment variable. Unset yields 0, nil.
func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
