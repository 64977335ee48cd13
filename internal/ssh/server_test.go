package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execHandler serves one exec request and returns the exit status.
type execHandler func(cmd string, stdin io.Reader, stdout io.Writer) uint32

// testServer is a minimal in-process SSH server accepting exec requests
// without client authentication.
type testServer struct {
	addr    *net.TCPAddr
	hostKey ssh.PublicKey

	mu       sync.Mutex
	commands []string
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// KnownHostsBlob is the host key line as it would be recorded at create.
func (s *testServer) KnownHostsBlob() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.hostKey)))
}

func startServer(t *testing.T, handler execHandler) *testServer {
	t.Helper()
	return serveConfig(t, &ssh.ServerConfig{NoClientAuth: true}, handler)
}

// startKeyServer is startServer accepting only clients holding the private
// half of authorized.
func startKeyServer(t *testing.T, handler execHandler, authorized ssh.PublicKey) *testServer {
	t.Helper()
	return serveConfig(t, &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}, handler)
}

func serveConfig(t *testing.T, cfg *ssh.ServerConfig, handler execHandler) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	srv := &testServer{addr: l.Addr().(*net.TCPAddr), hostKey: signer.PublicKey()}

	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			go srv.serve(nc, cfg, handler)
		}
	}()
	return srv
}

func (s *testServer) serve(nc net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	defer func() { _ = nc.Close() }()

	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			return
		}
		go s.session(ch, chReqs, handler)
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request, handler execHandler) {
	defer func() { _ = ch.Close() }()

	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		status := handler(payload.Command, ch, ch)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}
