package storage

import (
	"errors"
	"fmt"
)

// PoolType represents the type of storage pool backend.
type PoolType string

const (
	PoolTypeDir     PoolType = "dir"     // Directory-based storage
	PoolTypeLVM     PoolType = "logical" // LVM volume group
	PoolTypeZFS     PoolType = "zfs"     // ZFS pool
	PoolTypeNFS     PoolType = "netfs"   // NFS mount
	PoolTypeCeph    PoolType = "rbd"     // Ceph RBD
	PoolTypeISCSI   PoolType = "iscsi"   // iSCSI target
	PoolTypeGluster PoolType = "gluster" // GlusterFS
)

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name     string
	Format   VolumeFormat
	Capacity uint64 // bytes

	// BackingPath makes the volume a copy-on-write overlay of the volume
	// at that path. Only valid for qcow2.
	BackingPath   string
	BackingFormat VolumeFormat
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return errors.New("volume name is required")
	}
	if v.Format != VolumeFormatQCOW2 && v.Format != VolumeFormatRaw {
		return fmt.Errorf("invalid volume format: %q (must be qcow2 or raw)", v.Format)
	}
	if v.Capacity == 0 {
		return errors.New("volume capacity must be greater than 0")
	}
	if v.BackingPath != "" && v.Format != VolumeFormatQCOW2 {
		return errors.New("backing volumes are only supported for qcow2 format")
	}
	return nil
}

// PoolInfo contains information about a storage pool.
type PoolInfo struct {
	Name       string   `json:"name" yaml:"name"`
	Type       PoolType `json:"type" yaml:"type"`
	Path       string   `json:"path,omitempty" yaml:"path,omitempty"`
	UUID       string   `json:"uuid" yaml:"uuid"`
	State      string   `json:"state" yaml:"state"`
	Capacity   uint64   `json:"capacity" yaml:"capacity"`
	Allocation uint64   `json:"allocation" yaml:"allocation"`
	Available  uint64   `json:"available" yaml:"available"`
}

// CapacityGB returns the pool capacity in GB.
func (p *PoolInfo) CapacityGB() float64 {
	return float64(p.Capacity) / (1024 * 1024 * 1024)
}

// AllocationGB returns the pool allocation in GB.
func (p *PoolInfo) AllocationGB() float64 {
	return float64(p.Allocation) / (1024 * 1024 * 1024)
}

// AvailableGB returns the pool available space in GB.
func (p *PoolInfo) AvailableGB() float64 {
	return float64(p.Available) / (1024 * 1024 * 1024)
}

// VolumeInfo describes a storage volume.
type VolumeInfo struct {
	Name        string
	Key         string
	Pool        string
	Path        string
	Format      VolumeFormat
	Capacity    uint64
	BackingPath string
}

// Default pool configuration.
const (
	// DefaultPool holds mirrored images and, unless told otherwise,
	// instance disks.
	DefaultPool = "kiln"
	// DefaultPoolPath is the directory backing DefaultPool. Paths handed to
	// virt-aa-helper must sit under it.
	DefaultPoolPath = "/var/lib/kiln/libvirt/images"
)

const gib = 1 << 30

// GiB converts a size in GiB to bytes.
func GiB(n uint64) uint64 {
	return n * gib
}
