// Package systemd implements socket activation for posthorn's reference
// server: turning the file descriptors systemd passes via LISTEN_FDS into
// net.Listener values, keyed by the FileDescriptorName systemd was
// configured with (so a single unit can hand us "smtp", "submission" and
// "submissions" listeners at once).
package systemd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var (
	// Error to return when $LISTEN_PID does not refer to us.
	ErrPIDMismatch = errors.New("$LISTEN_PID != our PID")

	// First FD for listeners.
	// It's 3 by definition, but using a variable simplifies testing.
	firstFD = 3
)

// SMTPListenerName is the FileDescriptorName a unit file must set for a
// socket to be handed to cmd/posthornd's "systemd" address entries.
const SMTPListenerName = "smtp"

// Listeners creates a slice net.Listener from the file descriptors passed
// by systemd, via the LISTEN_FDS environment variable, keyed by the
// FileDescriptorName each socket was configured with.
// See sd_listen_fds(3) and sd_listen_fds_with_names(3) for more details.
func Listeners() (map[string][]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	nfdsStr := os.Getenv("LISTEN_FDS")
	fdNamesStr := os.Getenv("LISTEN_FDNAMES")
	fdNames := strings.Split(fdNamesStr, ":")

	// Nothing to do if the variables are not set.
	if pidStr == "" || nfdsStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf(
			"error converting $LISTEN_PID=%q: %v", pidStr, err)
	} else if pid != os.Getpid() {
		return nil, ErrPIDMismatch
	}

	nfds, err := strconv.Atoi(nfdsStr)
	if err != nil {
		return nil, fmt.Errorf(
			"error reading $LISTEN_FDS=%q: %v", nfdsStr, err)
	}

	// We should have as many names as we have descriptors.
	// Note that if we have no descriptors, fdNames will be [""] (due to how
	// strings.Split works), so we consider that special case.
	if nfds > 0 && (fdNamesStr == "" || len(fdNames) != nfds) {
		return nil, fmt.Errorf(
			"incorrect $LISTEN_FDNAMES, have you set FileDescriptorName in the unit file?")
	}

	listeners := map[string][]net.Listener{}

	for i := 0; i < nfds; i++ {
		fd := firstFD + i
		// We don't want child processes to inherit these file descriptors.
		syscall.CloseOnExec(fd)

		name := fdNames[i]

		sysName := fmt.Sprintf("[systemd-fd-%d-%v]", fd, name)
		lis, err := net.FileListener(os.NewFile(uintptr(fd), sysName))
		if err != nil {
			return nil, fmt.Errorf(
				"making a listener out of fd %d (%q): %v", fd, name, err)
		}

		listeners[name] = append(listeners[name], lis)
	}

	// Remove them from the environment, to prevent accidental reuse (by
	// us or by child processes).
	os.Unsetenv("LISTEN_PID")
	os.Unsetenv("LISTEN_FDS")
	os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Named returns just the sockets systemd passed under the given
// FileDescriptorName, or an error if socket activation is in play but that
// name wasn't among the sockets handed to us.
func Named(name string) ([]net.Listener, error) {
	all, err := Listeners()
	if err != nil {
		return nil, err
	}
	if all == nil {
		return nil, nil
	}
	ls, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("no systemd socket named %q was passed to us", name)
	}
	return ls, nil
}
