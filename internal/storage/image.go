package storage

import (
	"context"
	"fmt"
	"os"
)

// ImportFile creates a volume sized to a local disk image and uploads the
// image into it. The volume is removed again if the upload fails.
func (m *Manager) ImportFile(ctx context.Context, poolName, volumeName, filePath string, format VolumeFormat) (VolumeInfo, error) {
	st, err := os.Stat(filePath)
	if err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to stat image file: %w", err)
	}
	if st.Size() == 0 {
		return VolumeInfo{}, fmt.Errorf("image file %s is empty", filePath)
	}

	info, err := m.CreateVolume(ctx, poolName, VolumeSpec{
		Name:     volumeName,
		Format:   format,
		Capacity: uint64(st.Size()),
	})
	if err != nil {
		return VolumeInfo{}, err
	}

	if err := m.UploadFile(ctx, poolName, volumeName, filePath); err != nil {
		if delErr := m.DeleteVolume(ctx, poolName, volumeName); delErr != nil {
			m.log.Error(delErr, "failed to remove partially imported volume", "volume", volumeName)
		}
		return VolumeInfo{}, err
	}

	m.log.V(1).Info("imported image", "pool", poolName, "volume", volumeName, "size", st.Size())
	return info, nil
}

// BackingChain returns path followed by the paths of every volume it is
// layered over, nearest first. The walk stops at a path that is not a
// libvirt volume.
func (m *Manager) BackingChain(ctx context.Context, path string) ([]string, error) {
	chain := []string{path}
	seen := map[string]bool{path: true}

	for cur := path; ; {
		vol, err := m.client.StorageVolLookupByKey(cur)
		if err != nil {
			if IsNotFound(err) {
				return chain, nil
			}
			return nil, fmt.Errorf("failed to look up volume %s: %w", cur, err)
		}

		info, err := m.volumeInfo(vol.Pool, vol)
		if err != nil {
			return nil, err
		}
		if info.BackingPath == "" || seen[info.BackingPath] {
			return chain, nil
		}

		seen[info.BackingPath] = true
		chain = append(chain, info.BackingPath)
		cur = info.BackingPath
	}
}

// ReferencedPaths expands a set of disk paths, typically every disk of every
// defined domain, into the set of volume paths they depend on.
func (m *Manager) ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error) {
	refs := make(map[string]bool)
	for _, p := range paths {
		if refs[p] {
			continue
		}
		chain, err := m.BackingChain(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, c := range chain {
			refs[c] = true
		}
	}
	return refs, nil
}
