// Package mirror keeps a libvirt storage pool and the local image metadata
// store consistent with a remote simplestreams catalog.
//
// Sync downloads the newest MaxItems versions of every product that passes
// the filters and records their metadata. Versions that drop out of that
// set lose their metadata immediately but keep their volume, because an
// instance may still be layered over it. GC later removes volumes that
// have neither metadata nor a referencing instance.
package mirror

import (
	"context"
	"io"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/imagestore"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
)

// DefaultMaxItems is the number of versions kept per product.
const DefaultMaxItems = 1

// Catalog is a remote simplestreams catalog. It is satisfied by
// *simplestreams.Source.
type Catalog interface {
	Entries(ctx context.Context, indexPath string) ([]simplestreams.Entry, error)
	OpenContent(ctx context.Context, e simplestreams.Entry) (io.ReadCloser, error)
}

// Volumes is the storage pool API the mirror needs. It is satisfied by
// *storage.Manager.
type Volumes interface {
	PoolType(ctx context.Context, poolName string) (storage.PoolType, error)
	VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error)
	ListVolumes(ctx context.Context, poolName string) ([]storage.VolumeInfo, error)
	ImportFile(ctx context.Context, poolName, volumeName, filePath string, format storage.VolumeFormat) (storage.VolumeInfo, error)
	DeleteVolume(ctx context.Context, poolName, volumeName string) error
	ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error)
}

// DiskLister reports the disk source paths of every defined domain.
type DiskLister interface {
	DiskSources(ctx context.Context) ([]string, error)
}

// Inspector reads the format of a disk image. It is satisfied by
// *disk.Tool.
type Inspector interface {
	Info(ctx context.Context, path string) (disk.ImageInfo, error)
}

// Config holds mirror settings.
type Config struct {
	// Pool is the storage pool images are kept in.
	Pool string

	// MaxItems is the number of versions kept per product. Zero means
	// DefaultMaxItems.
	MaxItems int

	// IndexPath is the catalog document sync starts from. Empty means
	// simplestreams.DefaultIndexPath.
	IndexPath string

	// ScratchDir holds downloads while they are verified. Empty means the
	// system temporary directory.
	ScratchDir string
}

// Mirror synchronizes one pool.
type Mirror struct {
	cfg       Config
	store     *imagestore.Store
	volumes   Volumes
	disks     DiskLister
	inspector Inspector
	log       logr.Logger
}

// New creates a Mirror.
func New(cfg Config, store *imagestore.Store, volumes Volumes, disks DiskLister, inspector Inspector, log logr.Logger) *Mirror {
	if cfg.Pool == "" {
		cfg.Pool = storage.DefaultPool
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = simplestreams.DefaultIndexPath
	}
	return &Mirror{
		cfg:       cfg,
		store:     store,
		volumes:   volumes,
		disks:     disks,
		inspector: inspector,
		log:       log,
	}
}

// Pool returns the pool the mirror manages.
func (m *Mirror) Pool() string {
	return m.cfg.Pool
}

// scheme returns the identifier scheme for the mirror's pool.
func (m *Mirror) scheme(ctx context.Context) (naming.Scheme, error) {
	t, err := m.volumes.PoolType(ctx, m.cfg.Pool)
	if err != nil {
		return "", err
	}
	return naming.SchemeForPoolType(string(t)), nil
}

// VolumeName returns the pool volume name holding the image k.
func (m *Mirror) VolumeName(ctx context.Context, k naming.Key) (string, error) {
	scheme, err := m.scheme(ctx)
	if err != nil {
		return "", err
	}
	return naming.EncodeKey(k, scheme), nil
}
