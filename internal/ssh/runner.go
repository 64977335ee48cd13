package ssh

import (
	"context"
	"io"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
)

// KnownHostsSource returns the host key blob recorded for an instance, or
// an empty string when none was recorded.
type KnownHostsSource interface {
	KnownHosts(ctx context.Context, name string) (string, error)
}

// ScriptRunner runs readiness scripts in instances. It satisfies wait.Remote.
type ScriptRunner struct {
	Hosts    KnownHostsSource
	User     string
	Port     int
	Insecure bool
	Auth     []ssh.AuthMethod
	Log      logr.Logger

	// Output receives the script's stdout and stderr. Nil discards it.
	Output io.Writer
}

// RunScript runs script through sh in the named instance at ip with env
// set, returning its exit status.
func (p *ScriptRunner) RunScript(ctx context.Context, name, ip string, script io.Reader, env map[string]string) (int, error) {
	blob, err := p.Hosts.KnownHosts(ctx, name)
	if err != nil {
		return 0, err
	}

	client, err := NewClient(Target{
		Host:       ip,
		Port:       p.Port,
		User:       p.User,
		KnownHosts: blob,
		Insecure:   p.Insecure,
	}, p.Auth, p.Log)
	if err != nil {
		return 0, err
	}

	out := p.Output
	if out == nil {
		out = io.Discard
	}
	client.Stdout = out
	client.Stderr = out

	return client.Run(ctx, EnvCommand(env), script)
}
