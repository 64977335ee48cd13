// Package host inspects the local machine for what kiln needs from it.
package host

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/errdefs"
)

// Arch describes a machine architecture under the names each consumer
// uses for it.
type Arch struct {
	// Go is the runtime.GOARCH value.
	Go string

	// Ubuntu is the Debian architecture used in image catalogs.
	Ubuntu string

	// Libvirt is the domain descriptor architecture.
	Libvirt string
}

var arches = map[string]Arch{
	"amd64":   {Go: "amd64", Ubuntu: "amd64", Libvirt: "x86_64"},
	"arm64":   {Go: "arm64", Ubuntu: "arm64", Libvirt: "aarch64"},
	"arm":     {Go: "arm", Ubuntu: "armhf", Libvirt: "armv7l"},
	"ppc64le": {Go: "ppc64le", Ubuntu: "ppc64el", Libvirt: "ppc64le"},
	"s390x":   {Go: "s390x", Ubuntu: "s390x", Libvirt: "s390x"},
	"386":     {Go: "386", Ubuntu: "i386", Libvirt: "i686"},
}

// LookupArch returns the names for a GOARCH value.
func LookupArch(goarch string) (Arch, error) {
	a, ok := arches[goarch]
	if !ok {
		return Arch{}, fmt.Errorf("architecture %s: %w", goarch, errdefs.ErrCapability)
	}
	return a, nil
}

// HostArch returns the architecture kiln is running on.
func HostArch() (Arch, error) {
	return LookupArch(runtime.GOARCH)
}

// Inspector runs the host tools.
type Inspector struct {
	run disk.RunFunc
	log logr.Logger
}

// NewInspector returns a Inspector executing real commands.
func NewInspector(log logr.Logger) *Inspector {
	return NewInspectorWithRunner(disk.CombinedOutput, log)
}

// NewInspectorWithRunner returns a Inspector running commands through run.
func NewInspectorWithRunner(run disk.RunFunc, log logr.Logger) *Inspector {
	return &Inspector{run: run, log: log}
}

// CheckKVM runs kvm-ok. When kvm-ok is not installed acceleration is
// assumed to be available.
func (p *Inspector) CheckKVM(ctx context.Context) error {
	out, err := p.run(ctx, "kvm-ok")
	if errors.Is(err, exec.ErrNotFound) {
		p.log.V(1).Info("kvm-ok not installed, assuming KVM acceleration is available")
		return nil
	}
	if err != nil {
		return fmt.Errorf("KVM acceleration not available (%s): %w", strings.TrimSpace(string(out)), errdefs.ErrCapability)
	}
	return nil
}

// LTSRelease returns the codename of the current Ubuntu LTS release.
func (p *Inspector) LTSRelease(ctx context.Context) (string, error) {
	out, err := p.run(ctx, "distro-info", "--lts")
	if err != nil {
		return "", fmt.Errorf("failed to determine LTS release: %w", err)
	}
	release := strings.TrimSpace(string(out))
	if release == "" {
		return "", fmt.Errorf("distro-info --lts returned nothing: %w", errdefs.ErrCapability)
	}
	return release, nil
}
