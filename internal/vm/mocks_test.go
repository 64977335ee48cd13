package vm

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
)

var errNoDomain = libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found"}

// mockLibvirtClient is a mock implementation of the libvirtClient interface for testing.
type mockLibvirtClient struct {
	mu sync.Mutex

	// Configurable behavior
	domainLookupByNameFunc    func(name string) (libvirt.Domain, error)
	domainDefineXMLFunc       func(xml string) (libvirt.Domain, error)
	domainCreateFunc          func(dom libvirt.Domain) error
	domainGetStateFunc        func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	domainDestroyFunc         func(dom libvirt.Domain) error
	domainUndefineFlagsFunc   func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	domainUndefineFunc        func(dom libvirt.Domain) error
	domainGetXMLDescFunc      func(dom libvirt.Domain) (string, error)
	connectListAllDomainsFunc func() ([]libvirt.Domain, error)
	domainGetMetadataFunc     func(dom libvirt.Domain) (string, error)

	// Call tracking
	domainDefineXMLCalls     []string
	domainCreateCalls        []libvirt.Domain
	domainDestroyCalls       []libvirt.Domain
	domainUndefineFlagsCalls []libvirt.DomainUndefineFlagsValues
	domainUndefineCalls      []libvirt.Domain
}

// newMockLibvirtClient creates a mock where no domain exists yet and every
// mutation succeeds.
func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domainLookupByNameFunc: func(name string) (libvirt.Domain, error) {
			return libvirt.Domain{}, errNoDomain
		},
		domainDefineXMLFunc: func(xml string) (libvirt.Domain, error) {
			return libvirt.Domain{Name: "test-vm"}, nil
		},
		domainCreateFunc: func(dom libvirt.Domain) error { return nil },
		domainGetStateFunc: func(dom libvirt.Domain, flags uint32) (int32, int32, error) {
			return int32(libvirt.DomainRunning), 0, nil
		},
		domainDestroyFunc:       func(dom libvirt.Domain) error { return nil },
		domainUndefineFlagsFunc: func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error { return nil },
		domainUndefineFunc:      func(dom libvirt.Domain) error { return nil },
		domainGetXMLDescFunc: func(dom libvirt.Domain) (string, error) {
			return "<domain type='kvm'><name>" + dom.Name + "</name></domain>", nil
		},
		connectListAllDomainsFunc: func() ([]libvirt.Domain, error) { return nil, nil },
		domainGetMetadataFunc: func(dom libvirt.Domain) (string, error) {
			return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
		},
	}
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainLookupByNameFunc(name)
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDefineXMLCalls = append(m.domainDefineXMLCalls, xml)
	return m.domainDefineXMLFunc(xml)
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainCreateCalls = append(m.domainCreateCalls, dom)
	return m.domainCreateFunc(dom)
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetStateFunc(dom, flags)
}

func (m *mockLibvirtClient) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, _, err := m.domainGetStateFunc(dom, 0)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	return uint8(state), 1048576, 524288, 2, 0, nil
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom)
	return m.domainDestroyFunc(dom)
}

func (m *mockLibvirtClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainUndefineFlagsCalls = append(m.domainUndefineFlagsCalls, flags)
	return m.domainUndefineFlagsFunc(dom, flags)
}

func (m *mockLibvirtClient) DomainUndefine(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainUndefineCalls = append(m.domainUndefineCalls, dom)
	return m.domainUndefineFunc(dom)
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetXMLDescFunc(dom)
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doms, err := m.connectListAllDomainsFunc()
	return doms, uint32(len(doms)), err
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetMetadataFunc(dom)
}

func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	return nil
}

// mockStorageManager is a mock implementation of the storageManager
// interface. Volumes live in a map keyed by pool/name.
type mockStorageManager struct {
	mu sync.Mutex

	volumes map[string]storage.VolumeInfo

	createVolumeFunc      func(poolName string, spec storage.VolumeSpec) error
	importFileFunc        func(poolName, volumeName string) error
	deleteVolumeByKeyFunc func(key string) error

	// Call tracking
	createVolumeCalls      []storage.VolumeSpec
	importFileCalls        []string // format: "pool/volume"
	deleteVolumeCalls      []string // format: "pool/volume"
	deleteVolumeByKeyCalls []string
}

func newMockStorageManager() *mockStorageManager {
	return &mockStorageManager{
		volumes:               map[string]storage.VolumeInfo{},
		createVolumeFunc:      func(string, storage.VolumeSpec) error { return nil },
		importFileFunc:        func(string, string) error { return nil },
		deleteVolumeByKeyFunc: func(string) error { return nil },
	}
}

func volumePath(poolName, volumeName string) string {
	return filepath.Join("/var/lib/kiln/libvirt", poolName, volumeName)
}

func (m *mockStorageManager) add(poolName string, info storage.VolumeInfo) storage.VolumeInfo {
	info.Pool = poolName
	if info.Path == "" {
		info.Path = volumePath(poolName, info.Name)
	}
	info.Key = info.Path
	m.volumes[poolName+"/"+info.Name] = info
	return info
}

func (m *mockStorageManager) CreateVolume(_ context.Context, poolName string, spec storage.VolumeSpec) (storage.VolumeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createVolumeCalls = append(m.createVolumeCalls, spec)
	if err := m.createVolumeFunc(poolName, spec); err != nil {
		return storage.VolumeInfo{}, err
	}
	return m.add(poolName, storage.VolumeInfo{
		Name:        spec.Name,
		Format:      spec.Format,
		Capacity:    spec.Capacity,
		BackingPath: spec.BackingPath,
	}), nil
}

func (m *mockStorageManager) ImportFile(_ context.Context, poolName, volumeName, filePath string, format storage.VolumeFormat) (storage.VolumeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importFileCalls = append(m.importFileCalls, poolName+"/"+volumeName)
	if _, err := os.Stat(filePath); err != nil {
		return storage.VolumeInfo{}, err
	}
	if err := m.importFileFunc(poolName, volumeName); err != nil {
		return storage.VolumeInfo{}, err
	}
	return m.add(poolName, storage.VolumeInfo{Name: volumeName, Format: format}), nil
}

func (m *mockStorageManager) GetVolume(_ context.Context, poolName, volumeName string) (storage.VolumeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.volumes[poolName+"/"+volumeName]
	if !ok {
		return storage.VolumeInfo{}, libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found"}
	}
	return info, nil
}

func (m *mockStorageManager) DeleteVolume(_ context.Context, poolName, volumeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteVolumeCalls = append(m.deleteVolumeCalls, poolName+"/"+volumeName)
	delete(m.volumes, poolName+"/"+volumeName)
	return nil
}

func (m *mockStorageManager) DeleteVolumeByKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteVolumeByKeyCalls = append(m.deleteVolumeByKeyCalls, key)
	return m.deleteVolumeByKeyFunc(key)
}

// mockResolver returns a fixed volume name.
type mockResolver struct {
	name  string
	err   error
	calls []simplestreams.Filters
}

func (r *mockResolver) Resolve(_ context.Context, filters simplestreams.Filters) (string, error) {
	r.calls = append(r.calls, filters)
	return r.name, r.err
}

// mockDiskTool writes placeholder files instead of running qemu-img.
type mockDiskTool struct {
	createBlankFunc func(path string, sizeGiB uint64) error
	info            disk.ImageInfo

	createBlankCalls []uint64
}

func newMockDiskTool() *mockDiskTool {
	return &mockDiskTool{
		createBlankFunc: func(path string, _ uint64) error {
			return os.WriteFile(path, []byte("QFI\xfb"), 0o600)
		},
		info: disk.ImageInfo{Format: "qcow2"},
	}
}

func (d *mockDiskTool) CreateBlank(_ context.Context, path string, sizeGiB uint64) error {
	d.createBlankCalls = append(d.createBlankCalls, sizeGiB)
	return d.createBlankFunc(path, sizeGiB)
}

func (d *mockDiskTool) Info(_ context.Context, path string) (disk.ImageInfo, error) {
	info := d.info
	info.Filename = path
	return info, nil
}

// mockBuilder stages a datasource image without cloud-localds.
type mockBuilder struct {
	err      error
	userData []byte
	metaData []byte
}

func (b *mockBuilder) Build(_ context.Context, dir string, userData, metaData []byte) (cloudinit.Image, error) {
	if b.err != nil {
		return cloudinit.Image{}, b.err
	}
	b.userData, b.metaData = userData, metaData
	path := filepath.Join(dir, "ds.img")
	if err := os.WriteFile(path, append(append([]byte{}, userData...), metaData...), 0o600); err != nil {
		return cloudinit.Image{}, err
	}
	return cloudinit.Image{Path: path, Format: storage.VolumeFormatQCOW2}, nil
}
