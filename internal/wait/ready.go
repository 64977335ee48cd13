// Package wait detects when a new instance is ready for use: it has a DHCP
// lease, its SSH port accepts connections and, optionally, a readiness script
// run over SSH succeeds.
//
// Lease waiting is driven by filesystem notifications on the dnsmasq lease
// files rather than polling.
package wait

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/errdefs"
)

// DefaultRemoteScript waits inside the guest for cloud-init to finish.
//
//go:embed remote-wait.sh
var DefaultRemoteScript []byte

// DomainInfo reports the state of an instance.
type DomainInfo interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	InterfaceMACs(ctx context.Context, name string) ([]string, error)
}

// Remote runs a script inside an instance and returns its exit status.
type Remote interface {
	RunScript(ctx context.Context, name, ip string, script io.Reader, env map[string]string) (int, error)
}

// Options configures WaitReady.
type Options struct {
	Name     string
	Timeout  time.Duration
	Interval time.Duration
	Port     int

	// Script, when not nil, is run through Remote once the port is open.
	Script []byte
	Remote Remote
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Port == 0 {
		o.Port = SSHPort
	}
}

// Engine waits for instances.
type Engine struct {
	domains DomainInfo
	leases  LeaseDB
	log     logr.Logger
}

// NewEngine creates an Engine.
func NewEngine(domains DomainInfo, leases LeaseDB, log logr.Logger) *Engine {
	return &Engine{domains: domains, leases: leases, log: log}
}

// WaitReady waits for opts.Name to obtain a lease, open its port and pass
// the remote script. Each stage gets the full timeout. It returns the
// instance address.
func (e *Engine) WaitReady(ctx context.Context, opts Options) (string, error) {
	opts.defaults()

	running, err := e.domains.IsRunning(ctx, opts.Name)
	if err != nil {
		return "", err
	}
	if !running {
		return "", fmt.Errorf("domain %s is not running: %w", opts.Name, errdefs.ErrInvalidState)
	}

	macs, err := e.domains.InterfaceMACs(ctx, opts.Name)
	if err != nil {
		return "", err
	}
	switch len(macs) {
	case 0:
		return "", fmt.Errorf("domain %s has no network interfaces: %w", opts.Name, errdefs.ErrInvalidState)
	case 1:
	default:
		return "", fmt.Errorf("domain %s has multiple network interfaces, waiting is only supported with one: %w", opts.Name, errdefs.ErrInvalidState)
	}
	mac := macs[0]

	e.log.V(1).Info("waiting for lease", "domain", opts.Name, "mac", mac)
	ok, err := WaitForLease(ctx, e.leases, mac, opts.Timeout, e.log)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("waiting for dnsmasq lease for %s: %w", mac, errdefs.ErrTimeout)
	}

	ip, ok, err := e.leases.Lookup(mac)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("lease for %s disappeared: %w", mac, errdefs.ErrNotFound)
	}

	e.log.V(1).Info("waiting for port", "domain", opts.Name, "ip", ip, "port", opts.Port)
	if !WaitForPort(ctx, ip, opts.Port, opts.Interval, opts.Timeout) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("waiting for %s port %d: %w", ip, opts.Port, errdefs.ErrTimeout)
	}

	if opts.Script == nil || opts.Remote == nil {
		return ip, nil
	}

	env := map[string]string{
		"KILN_WAIT_INTERVAL": fmt.Sprintf("%g", opts.Interval.Seconds()),
		"KILN_WAIT_TIMEOUT":  fmt.Sprintf("%g", opts.Timeout.Seconds()),
	}
	e.log.V(1).Info("running remote wait script", "domain", opts.Name, "ip", ip)
	status, err := opts.Remote.RunScript(ctx, opts.Name, ip, bytes.NewReader(opts.Script), env)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", fmt.Errorf("remote wait script exited with status %d: %w", status, errdefs.ErrTimeout)
	}
	return ip, nil
}
