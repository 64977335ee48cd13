// Package ssh runs commands inside instances over SSH.
//
// Host keys are verified against the keys recorded for an instance when it
// was created. Connecting without them requires an explicit insecure
// request; otherwise the operation fails with errdefs.ErrInsecure.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultUser is the login of Ubuntu cloud images.
	DefaultUser = "ubuntu"

	DefaultPort = 22

	connectTimeout = 10 * time.Second
)

// Target identifies an instance to connect to.
type Target struct {
	Host string
	Port int
	User string

	// KnownHosts is the host key blob recorded for the instance.
	KnownHosts string

	// Insecure permits connecting without KnownHosts.
	Insecure bool
}

func (t Target) port() int {
	if t.Port == 0 {
		return DefaultPort
	}
	return t.Port
}

func (t Target) user() string {
	if t.User == "" {
		return DefaultUser
	}
	return t.User
}

// Client runs commands on a Target.
type Client struct {
	target Target
	config *ssh.ClientConfig
	log    logr.Logger

	Stdout io.Writer
	Stderr io.Writer
}

// NewClient prepares a client for t. It fails with errdefs.ErrInsecure when
// t has no host keys and is not insecure.
func NewClient(t Target, auth []ssh.AuthMethod, log logr.Logger) (*Client, error) {
	cb, err := HostKeyCallback(t.KnownHosts, t.Host, t.port(), t.Insecure)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", t.Host, err)
	}

	return &Client{
		target: t,
		config: &ssh.ClientConfig{
			User:            t.user(),
			Auth:            auth,
			HostKeyCallback: cb,
			Timeout:         connectTimeout,
		},
		log:    log,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(c.target.Host, strconv.Itoa(c.target.port()))

	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, c.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

// Run runs cmd, quoted for the remote shell, with stdin attached. It
// returns the remote exit status. Transport failures and a remote command
// killed by a signal are errors.
func (c *Client) Run(ctx context.Context, cmd []string, stdin io.Reader) (int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer c.closeAndLog(conn)

	session, err := conn.NewSession()
	if err != nil {
		return 0, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer c.closeAndLog(session)

	session.Stdin = stdin
	session.Stdout = c.Stdout
	session.Stderr = c.Stderr

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	line := shellescape.QuoteCommand(cmd)
	c.log.V(1).Info("running remote command", "host", c.target.Host, "command", line)

	err = session.Run(line)
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) && exitErr.Signal() == "" {
		return exitErr.ExitStatus(), nil
	}
	return 0, fmt.Errorf("remote command failed: %w", err)
}

func (c *Client) closeAndLog(cl io.Closer) {
	if err := cl.Close(); err != nil && !errors.Is(err, io.EOF) {
		c.log.V(1).Info("error closing ssh session or connection", "error", err)
	}
}

// EnvCommand returns the argv that runs a script read from stdin under
// env, with variables in a stable order.
func EnvCommand(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cmd := []string{"env"}
	for _, k := range keys {
		cmd = append(cmd, k+"="+env[k])
	}
	return append(cmd, "sh", "-")
}
