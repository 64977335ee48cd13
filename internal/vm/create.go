package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/errdefs"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
)

// Instance defaults.
const (
	DefaultMemoryMiB = 512
	DefaultVCPUs     = 1
	DefaultDiskGiB   = 8
)

// Request describes an instance to create.
type Request struct {
	Name string

	// BackingImage is an explicit base image path. When empty the base
	// image is the single mirrored image in ImagePool matching Filters.
	BackingImage string
	Filters      simplestreams.Filters
	ImagePool    string

	// Pool receives the instance's volumes.
	Pool string

	VCPUs        uint
	MemoryMiB    uint
	DiskGiB      uint64
	EphemeralGiB []uint64

	UserData []byte
	MetaData []byte

	// Template is the descriptor template; Arch is the guest architecture
	// it was chosen for.
	Template []byte
	Arch     string

	Bridge           string
	DiskCache        string
	UnsafeCaching    bool
	LogConsoleOutput bool
	HostPassthrough  bool

	// KnownHosts is the instance's public host keys, recorded in the
	// domain metadata for later ssh and wait calls.
	KnownHosts string

	Start bool
}

func (r *Request) defaults() {
	if r.VCPUs == 0 {
		r.VCPUs = DefaultVCPUs
	}
	if r.MemoryMiB == 0 {
		r.MemoryMiB = DefaultMemoryMiB
	}
	if r.DiskGiB == 0 {
		r.DiskGiB = DefaultDiskGiB
	}
	if r.Pool == "" {
		r.Pool = storage.DefaultPool
	}
	if r.ImagePool == "" {
		r.ImagePool = storage.DefaultPool
	}
}

// undoList remembers the volumes a Create has made so far.
type undoList struct {
	pool  string
	names []string
}

func (u *undoList) add(name string) {
	u.names = append(u.names, name)
}

// rollback deletes every remembered volume. Failures are logged and do not
// stop the remaining deletions.
func (m *Manager) rollback(ctx context.Context, u *undoList) {
	if len(u.names) == 0 {
		return
	}
	m.log.Info("Cleaning up after failed instance creation", "volumes", len(u.names))
	for _, name := range u.names {
		if err := m.volumes.DeleteVolume(ctx, u.pool, name); err != nil {
			m.log.Error(err, "failed to delete volume during cleanup", "pool", u.pool, "volume", name)
			continue
		}
		m.log.V(1).Info("deleted volume", "pool", u.pool, "volume", name)
	}
}

// Create provisions an instance.
//
// This orchestrates the whole provisioning transaction:
//  1. Pre-flight: the domain name must be free
//  2. Resolve the base image to a backing path
//  3. Create the root copy-on-write volume
//  4. Build and import the cloud-init datasource volume
//  5. Create and import each ephemeral volume
//  6. Compose and define the domain
//  7. Optionally start it
//
// If any step after the pre-flight fails, every volume created so far is
// deleted and the original error is returned.
func (m *Manager) Create(ctx context.Context, req Request) (err error) {
	req.defaults()

	if err := m.checkNameFree(req.Name); err != nil {
		return err
	}

	backing, err := m.resolveBacking(ctx, req)
	if err != nil {
		return err
	}

	undo := &undoList{pool: req.Pool}
	defer func() {
		if err != nil {
			m.rollback(ctx, undo)
		}
	}()

	rootName := naming.VolumeNameRoot(req.Name)
	m.log.Info("Creating root disk", "volume", rootName, "size_gib", req.DiskGiB, "backing", backing.Path)
	root, err := m.volumes.CreateVolume(ctx, req.Pool, storage.VolumeSpec{
		Name:          rootName,
		Format:        storage.VolumeFormatQCOW2,
		Capacity:      storage.GiB(req.DiskGiB),
		BackingPath:   backing.Path,
		BackingFormat: backing.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to create root disk: %w", err)
	}
	undo.add(rootName)
	disks := []kilnlibvirt.Disk{{Path: root.Path, Format: string(root.Format)}}

	scratch, err := os.MkdirTemp(m.ScratchDir, "kiln-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	ds, err := m.createDatasource(ctx, req, scratch, undo)
	if err != nil {
		return err
	}
	disks = append(disks, ds)

	for i, size := range req.EphemeralGiB {
		d, err := m.createEphemeral(ctx, req, i, size, scratch, undo)
		if err != nil {
			return err
		}
		disks = append(disks, d)
	}

	image := req.BackingImage
	if image == "" {
		image = backing.Name
	}
	meta, err := metadata.Element(metadata.Instance{
		SSHKnownHosts: req.KnownHosts,
		Image:         image,
		Created:       m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	domainXML, err := kilnlibvirt.ComposeDomainXML(req.Template, kilnlibvirt.DomainSpec{
		Name:             req.Name,
		VCPUs:            req.VCPUs,
		MemoryMiB:        req.MemoryMiB,
		Disks:            disks,
		Arch:             req.Arch,
		UnsafeCaching:    req.UnsafeCaching,
		DiskCache:        req.DiskCache,
		Bridge:           req.Bridge,
		LogConsoleOutput: req.LogConsoleOutput,
		HostPassthrough:  req.HostPassthrough,
		Metadata:         meta,
	}, m.log)
	if err != nil {
		return err
	}

	m.log.Info("Defining domain", "name", req.Name)
	dom, err := m.lv.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("failed to define domain: %w", err)
	}

	if !req.Start {
		m.log.Info("Instance defined", "name", req.Name)
		return nil
	}

	m.log.Info("Starting instance", "name", req.Name)
	if err := m.lv.DomainCreate(dom); err != nil {
		if uerr := m.undefine(dom, req.Arch); uerr != nil {
			m.log.Error(uerr, "failed to undefine domain during cleanup", "name", req.Name)
		}
		return fmt.Errorf("failed to start domain: %w", err)
	}

	m.log.Info("Instance created", "name", req.Name)
	return nil
}

func (m *Manager) checkNameFree(name string) error {
	_, err := m.lv.DomainLookupByName(name)
	if err == nil {
		return fmt.Errorf("instance %s: %w", name, errdefs.ErrAlreadyExists)
	}
	if !isNoDomain(err) {
		return fmt.Errorf("failed to look up domain %s: %w", name, err)
	}
	return nil
}

type backingImage struct {
	Name   string
	Path   string
	Format storage.VolumeFormat
}

// resolveBacking finds the image the root disk is layered on.
func (m *Manager) resolveBacking(ctx context.Context, req Request) (backingImage, error) {
	if req.BackingImage != "" {
		path, err := filepath.Abs(req.BackingImage)
		if err != nil {
			return backingImage{}, fmt.Errorf("failed to resolve backing image path: %w", err)
		}
		info, err := m.disks.Info(ctx, path)
		if err != nil {
			return backingImage{}, fmt.Errorf("failed to inspect backing image: %w", err)
		}
		return backingImage{Path: path, Format: storage.VolumeFormat(info.Format)}, nil
	}

	name, err := m.images.Resolve(ctx, req.Filters)
	if err != nil {
		return backingImage{}, err
	}
	vol, err := m.volumes.GetVolume(ctx, req.ImagePool, name)
	if err != nil {
		return backingImage{}, fmt.Errorf("failed to find base image volume %s: %w", name, err)
	}

	label := name
	if k, err := naming.DecodeKey(name); err == nil {
		label = k.String()
	}
	m.log.V(1).Info("resolved base image", "image", label, "path", vol.Path)
	return backingImage{Name: label, Path: vol.Path, Format: vol.Format}, nil
}

func (m *Manager) createDatasource(ctx context.Context, req Request, scratch string, undo *undoList) (kilnlibvirt.Disk, error) {
	name := naming.VolumeNameDatasource(req.Name)
	m.log.Info("Creating cloud-init datasource", "volume", name)

	dir := filepath.Join(scratch, "ds")
	if err := os.Mkdir(dir, 0o700); err != nil {
		return kilnlibvirt.Disk{}, fmt.Errorf("failed to create datasource directory: %w", err)
	}
	img, err := m.datasource.Build(ctx, dir, req.UserData, req.MetaData)
	if err != nil {
		return kilnlibvirt.Disk{}, fmt.Errorf("failed to build datasource: %w", err)
	}

	vol, err := m.volumes.ImportFile(ctx, req.Pool, name, img.Path, img.Format)
	if err != nil {
		return kilnlibvirt.Disk{}, fmt.Errorf("failed to import datasource: %w", err)
	}
	undo.add(name)
	return kilnlibvirt.Disk{Path: vol.Path, Format: string(vol.Format)}, nil
}

func (m *Manager) createEphemeral(ctx context.Context, req Request, n int, sizeGiB uint64, scratch string, undo *undoList) (kilnlibvirt.Disk, error) {
	name := naming.VolumeNameEphemeral(req.Name, n)
	m.log.Info("Creating ephemeral disk", "volume", name, "size_gib", sizeGiB)

	path := filepath.Join(scratch, fmt.Sprintf("ephem-%02d.qcow", n))
	if err := m.disks.CreateBlank(ctx, path, sizeGiB); err != nil {
		return kilnlibvirt.Disk{}, fmt.Errorf("failed to create ephemeral disk %d: %w", n, err)
	}

	vol, err := m.volumes.ImportFile(ctx, req.Pool, name, path, storage.VolumeFormatQCOW2)
	if err != nil {
		return kilnlibvirt.Disk{}, fmt.Errorf("failed to import ephemeral disk %d: %w", n, err)
	}
	undo.add(name)

	// The staged copy is no longer needed once imported.
	_ = os.Remove(path)
	return kilnlibvirt.Disk{Path: vol.Path, Format: string(vol.Format)}, nil
}

// undefine removes a domain definition, with its NVRAM on aarch64 where
// the default template gives guests one.
func (m *Manager) undefine(dom libvirt.Domain, arch string) error {
	if arch == "aarch64" {
		return m.lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram)
	}
	return m.lv.DomainUndefine(dom)
}

// isNoDomain reports whether err is libvirt's "domain not found".
func isNoDomain(err error) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return libvirt.ErrorNumber(lerr.Code) == libvirt.ErrNoDomain
	}
	return false
}
