package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// EnsurePool creates the named pool unless it is already defined. Lookup
// failures other than "no such pool" are returned as is.
func (m *Manager) EnsurePool(ctx context.Context, name string, poolType PoolType, path string) error {
	_, err := m.client.StoragePoolLookupByName(name)
	switch {
	case err == nil:
		return nil
	case !IsNotFound(err):
		return fmt.Errorf("failed to look up pool %s: %w", name, err)
	}

	m.log.Info("creating storage pool", "pool", name, "path", path)
	return m.CreatePool(ctx, name, poolType, path)
}

// CreatePool defines a directory pool at path, builds its directory,
// starts it and marks it autostart. A pool that fails to build or start is
// undefined again.
func (m *Manager) CreatePool(ctx context.Context, name string, poolType PoolType, path string) error {
	if poolType != PoolTypeDir {
		return fmt.Errorf("cannot create %s pool %s: only %s pools are supported", poolType, name, PoolTypeDir)
	}
	if path == "" {
		return fmt.Errorf("pool %s needs a target path", name)
	}

	poolXML, err := m.generateDirPoolXML(name, path)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := m.client.StoragePoolDefineXML(poolXML, 0)
	if err != nil {
		return fmt.Errorf("failed to define pool %s: %w", name, err)
	}

	steps := []struct {
		what string
		run  func() error
	}{
		{"build", func() error { return m.client.StoragePoolBuild(pool, 0) }},
		{"start", func() error { return m.client.StoragePoolCreate(pool, 0) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			if uerr := m.client.StoragePoolUndefine(pool); uerr != nil {
				m.log.Info("Warning: failed to undefine pool", "pool", name, "error", uerr.Error())
			}
			return fmt.Errorf("failed to %s pool %s: %w", step.what, name, err)
		}
	}

	if err := m.client.StoragePoolSetAutostart(pool, 1); err != nil {
		return fmt.Errorf("pool %s created but failed to set autostart: %w", name, err)
	}
	return nil
}

// ListPools lists all storage pools.
func (m *Manager) ListPools(ctx context.Context) ([]PoolInfo, error) {
	pools, _, err := m.client.ConnectListAllStoragePools(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}

	var poolInfos []PoolInfo
	for _, pool := range pools {
		info, err := m.GetPoolInfo(ctx, pool.Name)
		if err != nil {
			m.log.V(1).Info("skipping pool", "pool", pool.Name, "error", err.Error())
			continue
		}
		poolInfos = append(poolInfos, *info)
	}

	return poolInfos, nil
}

// GetPoolInfo gets detailed information about a storage pool.
func (m *Manager) GetPoolInfo(ctx context.Context, name string) (*PoolInfo, error) {
	pool, err := m.lookupPool(name)
	if err != nil {
		return nil, err
	}

	poolState, capacity, allocation, available, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool info: %w", err)
	}

	poolDef, err := m.poolDefinition(pool)
	if err != nil {
		return nil, err
	}

	info := &PoolInfo{
		Name:       pool.Name,
		Type:       PoolType(poolDef.Type),
		UUID:       formatUUID(pool.UUID),
		State:      poolStateString(libvirt.StoragePoolState(poolState)),
		Capacity:   capacity,
		Allocation: allocation,
		Available:  available,
	}
	if poolDef.Target != nil {
		info.Path = poolDef.Target.Path
	}
	return info, nil
}

// PoolType reports the backend type of a pool. Image identifiers are
// encoded according to it.
func (m *Manager) PoolType(ctx context.Context, name string) (PoolType, error) {
	pool, err := m.lookupPool(name)
	if err != nil {
		return "", err
	}
	poolDef, err := m.poolDefinition(pool)
	if err != nil {
		return "", err
	}
	return PoolType(poolDef.Type), nil
}

// RefreshPool refreshes a storage pool, updating its state.
func (m *Manager) RefreshPool(ctx context.Context, name string) error {
	pool, err := m.lookupPool(name)
	if err != nil {
		return err
	}

	if err := m.client.StoragePoolRefresh(pool, 0); err != nil {
		return fmt.Errorf("failed to refresh pool: %w", err)
	}

	return nil
}

func (m *Manager) lookupPool(name string) (libvirt.StoragePool, error) {
	pool, err := m.client.StoragePoolLookupByName(name)
	if err != nil {
		return libvirt.StoragePool{}, fmt.Errorf("pool %s not found: %w", name, err)
	}
	return pool, nil
}

func (m *Manager) poolDefinition(pool libvirt.StoragePool) (*libvirtxml.StoragePool, error) {
	xmlDesc, err := m.client.StoragePoolGetXMLDesc(pool, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool XML: %w", err)
	}

	var poolDef libvirtxml.StoragePool
	if err := poolDef.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("failed to parse pool XML: %w", err)
	}
	return &poolDef, nil
}

func poolStateString(state libvirt.StoragePoolState) string {
	switch state {
	case libvirt.StoragePoolInactive:
		return "inactive"
	case libvirt.StoragePoolBuilding:
		return "building"
	case libvirt.StoragePoolRunning:
		return "running"
	case libvirt.StoragePoolDegraded:
		return "degraded"
	case libvirt.StoragePoolInaccessible:
		return "inaccessible"
	}
	return "unknown"
}

// formatUUID renders a libvirt UUID in 8-4-4-4-12 form.
func formatUUID(u libvirt.UUID) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// generateDirPoolXML generates XML for a directory-based storage pool owned
// by the QEMU user.
func (m *Manager) generateDirPoolXML(name, path string) (string, error) {
	uid, gid, err := GetQEMUUserGroup()
	if err != nil {
		m.log.V(1).Info("using fallback qemu ownership", "reason", err.Error())
	}

	pool := &libvirtxml.StoragePool{
		Type: string(PoolTypeDir),
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
			Permissions: &libvirtxml.StoragePoolTargetPermissions{
				Owner: uid,
				Group: gid,
				Mode:  "0755",
			},
		},
	}

	return marshalXML(pool.Marshal)
}

// marshalXML drops the XML declaration libvirtxml emits.
func marshalXML(marshal func() (string, error)) (string, error) {
	xml, err := marshal()
	if err != nil {
		return "", err
	}
	xml = strings.TrimPrefix(xml, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}
