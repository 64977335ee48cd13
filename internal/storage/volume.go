package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/errdefs"
)

// IsNotFound reports whether err means a pool or volume does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, errdefs.ErrNotFound) {
		return true
	}
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		switch libvirt.ErrorNumber(lerr.Code) {
		case libvirt.ErrNoStorageVol, libvirt.ErrNoStoragePool:
			return true
		}
	}
	return false
}

// CreateVolume creates a new volume in the specified pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) (VolumeInfo, error) {
	if err := spec.Validate(); err != nil {
		return VolumeInfo{}, fmt.Errorf("invalid volume spec: %w", err)
	}

	pool, err := m.lookupPool(poolName)
	if err != nil {
		return VolumeInfo{}, err
	}

	volumeXML, err := generateVolumeXML(spec)
	if err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := m.client.StorageVolCreateXML(pool, volumeXML, 0)
	if err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}

	m.log.V(1).Info("created volume", "pool", poolName, "volume", spec.Name, "backing", spec.BackingPath)
	return m.volumeInfo(poolName, vol)
}

// DeleteVolume deletes a volume from the specified pool.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return err
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeName, err)
	}

	m.log.V(1).Info("deleted volume", "pool", poolName, "volume", volumeName)
	return nil
}

// DeleteVolumeByKey deletes the volume with the given key, whatever pool
// it is in.
func (m *Manager) DeleteVolumeByKey(ctx context.Context, key string) error {
	vol, err := m.client.StorageVolLookupByKey(key)
	if err != nil {
		return fmt.Errorf("volume %s not found: %w", key, err)
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", key, err)
	}

	m.log.V(1).Info("deleted volume", "pool", vol.Pool, "volume", vol.Name)
	return nil
}

// ListVolumes lists all volumes in the specified pool.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.lookupPool(poolName)
	if err != nil {
		return nil, err
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var volumeInfos []VolumeInfo
	for _, vol := range volumes {
		info, err := m.volumeInfo(poolName, vol)
		if err != nil {
			m.log.V(1).Info("skipping volume", "volume", vol.Name, "error", err.Error())
			continue
		}
		volumeInfos = append(volumeInfos, info)
	}

	sort.Slice(volumeInfos, func(i, j int) bool { return volumeInfos[i].Name < volumeInfos[j].Name })
	return volumeInfos, nil
}

// GetVolume describes a single volume.
func (m *Manager) GetVolume(ctx context.Context, poolName, volumeName string) (VolumeInfo, error) {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return VolumeInfo{}, err
	}
	return m.volumeInfo(poolName, vol)
}

// UploadFile streams the content of a local file into a volume.
func (m *Manager) UploadFile(ctx context.Context, poolName, volumeName, path string) error {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return m.upload(vol, f, uint64(st.Size()))
}

func (m *Manager) upload(vol libvirt.StorageVol, r io.Reader, length uint64) error {
	if err := m.client.StorageVolUpload(vol, r, 0, length, 0); err != nil {
		return fmt.Errorf("failed to upload data to volume %s: %w", vol.Name, err)
	}
	return nil
}

// VolumeExists checks if a volume exists in the specified pool.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	pool, err := m.lookupPool(poolName)
	if err != nil {
		return false, err
	}

	if _, err := m.client.StorageVolLookupByName(pool, volumeName); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}

	return true, nil
}

func (m *Manager) lookupVolume(poolName, volumeName string) (libvirt.StorageVol, error) {
	pool, err := m.lookupPool(poolName)
	if err != nil {
		return libvirt.StorageVol{}, err
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("volume %s not found: %w", volumeName, err)
	}
	return vol, nil
}

func (m *Manager) volumeInfo(poolName string, vol libvirt.StorageVol) (VolumeInfo, error) {
	xmlDesc, err := m.client.StorageVolGetXMLDesc(vol, 0)
	if err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to get volume XML: %w", err)
	}

	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xmlDesc); err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to parse volume XML: %w", err)
	}

	info := VolumeInfo{
		Name: vol.Name,
		Key:  vol.Key,
		Pool: poolName,
	}
	if def.Key != "" {
		info.Key = def.Key
	}
	if def.Capacity != nil {
		info.Capacity = def.Capacity.Value
	}
	if def.Target != nil {
		info.Path = def.Target.Path
		if def.Target.Format != nil {
			info.Format = VolumeFormat(def.Target.Format.Type)
		}
	}
	if def.BackingStore != nil {
		info.BackingPath = def.BackingStore.Path
	}
	if info.Path == "" {
		info.Path = info.Key
	}
	return info, nil
}

// generateVolumeXML generates XML for a storage volume.
func generateVolumeXML(spec VolumeSpec) (string, error) {
	uid, gid, _ := GetQEMUUserGroup()

	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.Capacity,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: uid,
				Group: gid,
				Mode:  "0644",
			},
		},
	}

	if spec.BackingPath != "" {
		backingFormat := spec.BackingFormat
		if backingFormat == "" {
			backingFormat = VolumeFormatQCOW2
		}
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: spec.BackingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(backingFormat),
			},
		}
	}

	return marshalXML(vol.Marshal)
}
