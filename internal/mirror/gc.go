package mirror

import (
	"context"
	"fmt"

	"github.com/jbweber/kiln/internal/naming"
)

// GC deletes image volumes that no metadata record backs and no defined
// domain uses, directly or through a backing chain. Volumes whose names are
// not image identifiers, such as instance disks, are never touched. It
// returns the names of the deleted volumes.
func (m *Mirror) GC(ctx context.Context) ([]string, error) {
	sources, err := m.disks.DiskSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain disks: %w", err)
	}
	inUse, err := m.volumes.ReferencedPaths(ctx, sources)
	if err != nil {
		return nil, err
	}

	vols, err := m.volumes.ListVolumes(ctx, m.cfg.Pool)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, v := range vols {
		if !naming.IsManaged(v.Name) {
			continue
		}
		if inUse[v.Path] || inUse[v.Key] {
			m.log.V(1).Info("keeping volume in use", "volume", v.Name)
			continue
		}

		tracked, err := m.store.Contains(v.Name)
		if err != nil {
			m.log.V(1).Info("skipping undecodable volume", "volume", v.Name, "error", err.Error())
			continue
		}
		if tracked {
			continue
		}

		m.log.Info("deleting unused image volume", "volume", v.Name)
		if err := m.volumes.DeleteVolume(ctx, m.cfg.Pool, v.Name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, v.Name)
	}
	return deleted, nil
}

// Purge deletes all image metadata and then every volume in the pool,
// whether in use or not. Metadata goes first so that an interrupted purge
// leaves only volumes for GC.
func (m *Mirror) Purge(ctx context.Context) error {
	if err := m.store.Clear(); err != nil {
		return err
	}

	vols, err := m.volumes.ListVolumes(ctx, m.cfg.Pool)
	if err != nil {
		return err
	}
	for _, v := range vols {
		m.log.Info("deleting volume", "volume", v.Name)
		if err := m.volumes.DeleteVolume(ctx, m.cfg.Pool, v.Name); err != nil {
			return err
		}
	}
	return nil
}
