package wait

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/kiln/internal/errdefs"
)

type fakeDomains struct {
	running bool
	macs    []string
	err     error
}

func (f *fakeDomains) IsRunning(ctx context.Context, name string) (bool, error) {
	return f.running, f.err
}

func (f *fakeDomains) InterfaceMACs(ctx context.Context, name string) ([]string, error) {
	return f.macs, nil
}

// staticDB always answers with ip for every MAC.
type staticDB struct {
	ip string
}

func (s staticDB) Lookup(mac string) (string, bool, error) {
	return s.ip, s.ip != "", nil
}

func (s staticDB) Files() []string {
	return nil
}

type fakeRemote struct {
	status int
	err    error

	gotIP     string
	gotScript string
	gotEnv    map[string]string
}

func (f *fakeRemote) RunScript(ctx context.Context, name, ip string, script io.Reader, env map[string]string) (int, error) {
	data, _ := io.ReadAll(script)
	f.gotIP = ip
	f.gotScript = string(data)
	f.gotEnv = env
	return f.status, f.err
}

// listen opens a local port for the duration of the test.
func listen(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func TestWaitReady_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		domains *fakeDomains
		wantErr error
	}{
		{name: "not running", domains: &fakeDomains{running: false, macs: []string{testMAC}}, wantErr: errdefs.ErrInvalidState},
		{name: "no interfaces", domains: &fakeDomains{running: true}, wantErr: errdefs.ErrInvalidState},
		{name: "two interfaces", domains: &fakeDomains{running: true, macs: []string{testMAC, "52:54:00:8a:1c:02"}}, wantErr: errdefs.ErrInvalidState},
		{name: "lookup failure", domains: &fakeDomains{err: errdefs.ErrNotFound}, wantErr: errdefs.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.domains, staticDB{ip: "127.0.0.1"}, testr.New(t))
			_, err := e.WaitReady(context.Background(), Options{Name: "web1", Timeout: time.Second})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errdefs.IsUserError(err))
		})
	}
}

func TestWaitReady_Success(t *testing.T) {
	port := listen(t)
	remote := &fakeRemote{}
	e := NewEngine(&fakeDomains{running: true, macs: []string{testMAC}}, staticDB{ip: "127.0.0.1"}, testr.New(t))

	ip, err := e.WaitReady(context.Background(), Options{
		Name:     "web1",
		Timeout:  5 * time.Second,
		Interval: 100 * time.Millisecond,
		Port:     port,
		Script:   DefaultRemoteScript,
		Remote:   remote,
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	assert.Equal(t, "127.0.0.1", remote.gotIP)
	assert.Equal(t, string(DefaultRemoteScript), remote.gotScript)
	assert.Equal(t, map[string]string{
		"KILN_WAIT_INTERVAL": "0.1",
		"KILN_WAIT_TIMEOUT":  "5",
	}, remote.gotEnv)
}

func TestWaitReady_WithoutScript(t *testing.T) {
	port := listen(t)
	e := NewEngine(&fakeDomains{running: true, macs: []string{testMAC}}, staticDB{ip: "127.0.0.1"}, testr.New(t))

	ip, err := e.WaitReady(context.Background(), Options{Name: "web1", Timeout: 5 * time.Second, Port: port})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}

func TestWaitReady_ScriptFailure(t *testing.T) {
	port := listen(t)

	t.Run("nonzero status", func(t *testing.T) {
		e := NewEngine(&fakeDomains{running: true, macs: []string{testMAC}}, staticDB{ip: "127.0.0.1"}, testr.New(t))
		_, err := e.WaitReady(context.Background(), Options{
			Name: "web1", Timeout: 5 * time.Second, Port: port,
			Script: []byte("exit 1"), Remote: &fakeRemote{status: 1},
		})
		assert.ErrorIs(t, err, errdefs.ErrTimeout)
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("connection reset")
		e := NewEngine(&fakeDomains{running: true, macs: []string{testMAC}}, staticDB{ip: "127.0.0.1"}, testr.New(t))
		_, err := e.WaitReady(context.Background(), Options{
			Name: "web1", Timeout: 5 * time.Second, Port: port,
			Script: []byte("true"), Remote: &fakeRemote{err: boom},
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestWaitReady_LeaseTimeout(t *testing.T) {
	db := &scriptedDB{files: []string{t.TempDir() + "/virbr0.status"}, results: []bool{false}}
	e := NewEngine(&fakeDomains{running: true, macs: []string{testMAC}}, db, testr.New(t))

	_, err := e.WaitReady(context.Background(), Options{Name: "web1", Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
}

func TestWaitReady_PortTimeout(t *testing.T) {
	port := closedPort(t)
	e := NewEngine(&fakeDomains{running: true, macs: []string{testMAC}}, staticDB{ip: "127.0.0.1"}, testr.New(t))

	_, err := e.WaitReady(context.Background(), Options{
		Name: "web1", Timeout: 300 * time.Millisecond, Interval: 100 * time.Millisecond, Port: port,
	})
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
}
