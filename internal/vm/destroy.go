package vm

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/errdefs"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/storage"
)

// Destroy tears an instance down.
//
//  1. Look the domain up (missing is a user error; nothing is touched)
//  2. Hard stop it unless it is already shut off
//  3. Delete every volume its descriptor names, by key
//  4. Undefine it (with NVRAM on aarch64)
//
// A volume deletion failure stops the teardown with the domain still
// defined.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	dom, err := m.lookup(name)
	if err != nil {
		return err
	}

	state, _, err := m.lv.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get state of %s: %w", name, err)
	}
	if libvirt.DomainState(state) != libvirt.DomainShutoff {
		m.log.Info("Stopping instance", "name", name)
		if err := m.lv.DomainDestroy(dom); err != nil {
			return fmt.Errorf("failed to stop %s: %w", name, err)
		}
	}

	domainXML, err := m.lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to read descriptor of %s: %w", name, err)
	}
	paths, err := kilnlibvirt.DiskPaths(domainXML)
	if err != nil {
		return err
	}

	for _, path := range paths {
		err := m.volumes.DeleteVolumeByKey(ctx, path)
		switch {
		case err == nil:
			m.log.V(1).Info("deleted volume", "key", path)
		case storage.IsNotFound(err):
			m.log.Info("Warning: disk is not a storage volume, leaving it in place", "path", path)
		default:
			return fmt.Errorf("failed to delete volume %s of %s: %w", path, name, err)
		}
	}

	arch, err := kilnlibvirt.Arch(domainXML)
	if err != nil {
		return err
	}
	if err := m.undefine(dom, arch); err != nil {
		return fmt.Errorf("failed to undefine %s: %w", name, err)
	}

	m.log.Info("Instance destroyed", "name", name, "volumes", len(paths))
	return nil
}

// lookup finds a domain by name, mapping libvirt's "no domain" to
// errdefs.ErrNotFound.
func (m *Manager) lookup(name string) (libvirt.Domain, error) {
	dom, err := m.lv.DomainLookupByName(name)
	if err != nil {
		if isNoDomain(err) {
			return libvirt.Domain{}, fmt.Errorf("libvirt domain %s: %w", name, errdefs.ErrNotFound)
		}
		return libvirt.Domain{}, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}
	return dom, nil
}
