package wait

import (
	"context"
	"net"
	"strconv"
	"time"
)

const (
	// DialTimeout bounds a single connection attempt.
	DialTimeout = 4 * time.Second

	DefaultInterval = 8 * time.Second
	DefaultTimeout  = 120 * time.Second

	// SSHPort is the port WaitReady dials.
	SSHPort = 22
)

// WaitForPort polls host:port until a TCP connection succeeds or timeout
// passes, sleeping interval between attempts. It never reports false
// before the deadline.
func WaitForPort(ctx context.Context, host string, port int, interval, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		if portOpen(ctx, addr, min(DialTimeout, remaining)) {
			return true
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-time.After(min(interval, remaining)):
		case <-ctx.Done():
			return false
		}
	}
}

func portOpen(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
