package storage

import (
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/errdefs"
)

// mockLibvirtClient is an in-memory LibvirtClient. Volume keys are their
// paths, as they are for directory pools.
type mockLibvirtClient struct {
	pools   map[string]*mockPool
	volumes map[string]map[string]*mockVolume // pool name -> volume name -> volume

	// uploadErr, when set, fails every StorageVolUpload.
	uploadErr error
	// deleteErr fails StorageVolDelete for the named volumes.
	deleteErr map[string]error
	// buildErr fails StoragePoolBuild; lookupErr fails every pool lookup.
	buildErr  error
	lookupErr error
}

type mockPool struct {
	name      string
	uuid      string
	state     libvirt.StoragePoolState
	capacity  uint64
	allocated uint64
	available uint64
	xmlDesc   string
	path      string
}

type mockVolume struct {
	name        string
	path        string
	format      string
	capacity    uint64
	backingPath string
	data        []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:     make(map[string]*mockPool),
		volumes:   make(map[string]map[string]*mockVolume),
		deleteErr: make(map[string]error),
	}
}

// addPool registers a running pool without going through DefineXML.
func (m *mockLibvirtClient) addPool(name string, poolType PoolType, dir string) {
	def := libvirtxml.StoragePool{
		Type:   string(poolType),
		Name:   name,
		Target: &libvirtxml.StoragePoolTarget{Path: dir},
	}
	xml, _ := def.Marshal()
	m.pools[name] = &mockPool{
		name:      name,
		uuid:      "0123456789abcdef",
		state:     libvirt.StoragePoolRunning,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   xml,
		path:      dir,
	}
	m.volumes[name] = make(map[string]*mockVolume)
}

// addVolume registers a volume directly and returns its path.
func (m *mockLibvirtClient) addVolume(pool, name, format, backingPath string) string {
	p := m.pools[pool]
	vol := &mockVolume{
		name:        name,
		path:        path.Join(p.path, name),
		format:      format,
		capacity:    1 << 30,
		backingPath: backingPath,
	}
	m.volumes[pool][name] = vol
	return vol.path
}

func (m *mockLibvirtClient) volumeNames(pool string) []string {
	var names []string
	for name := range m.volumes[pool] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func poolHandle(p *mockPool) libvirt.StoragePool {
	var uuid libvirt.UUID
	copy(uuid[:], p.uuid)
	return libvirt.StoragePool{Name: p.name, UUID: uuid}
}

func volHandle(pool string, v *mockVolume) libvirt.StorageVol {
	return libvirt.StorageVol{Pool: pool, Name: v.name, Key: v.path}
}

func (m *mockLibvirtClient) findVolume(vol libvirt.StorageVol) (*mockVolume, error) {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return nil, fmt.Errorf("storage pool %s: %w", vol.Pool, errdefs.ErrNotFound)
	}
	v, ok := vols[vol.Name]
	if !ok {
		return nil, fmt.Errorf("storage volume %s: %w", vol.Name, errdefs.ErrNotFound)
	}
	return v, nil
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if m.lookupErr != nil {
		return libvirt.StoragePool{}, m.lookupErr
	}
	pool, ok := m.pools[name]
	if !ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool %s: %w", name, errdefs.ErrNotFound)
	}
	return poolHandle(pool), nil
}

func (m *mockLibvirtClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: %w", err)
	}
	if def.Name == "" {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: missing name")
	}
	if _, ok := m.pools[def.Name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool already exists: %s", def.Name)
	}

	pool := &mockPool{
		name:      def.Name,
		uuid:      "mock-uuid-" + def.Name,
		state:     libvirt.StoragePoolInactive,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   xml,
	}
	if def.Target != nil {
		pool.path = def.Target.Path
	}
	m.pools[def.Name] = pool
	m.volumes[def.Name] = make(map[string]*mockVolume)
	return poolHandle(pool), nil
}

func (m *mockLibvirtClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	p, ok := m.pools[pool.Name]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	p.state = libvirt.StoragePoolRunning
	return nil
}

func (m *mockLibvirtClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if m.buildErr != nil {
		return m.buildErr
	}
	if _, ok := m.pools[pool.Name]; !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	return nil
}

func (m *mockLibvirtClient) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	return nil
}

func (m *mockLibvirtClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	delete(m.pools, pool.Name)
	delete(m.volumes, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	return uint8(p.state), p.capacity, p.allocated, p.available, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	return p.xmlDesc, nil
}

func (m *mockLibvirtClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return nil, 0, fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}

	var result []libvirt.StorageVol
	for _, v := range vols {
		result = append(result, volHandle(pool.Name, v))
	}
	return result, uint32(len(result)), nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}
	return nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	v, err := m.findVolume(libvirt.StorageVol{Pool: pool.Name, Name: name})
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	return volHandle(pool.Name, v), nil
}

func (m *mockLibvirtClient) StorageVolLookupByKey(key string) (libvirt.StorageVol, error) {
	for pool, vols := range m.volumes {
		for _, v := range vols {
			if v.path == key {
				return volHandle(pool, v), nil
			}
		}
	}
	return libvirt.StorageVol{}, fmt.Errorf("storage volume with key %s: %w", key, errdefs.ErrNotFound)
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage pool %s: %w", pool.Name, errdefs.ErrNotFound)
	}

	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: %w", err)
	}
	if def.Name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: missing name")
	}
	if _, ok := vols[def.Name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", def.Name)
	}

	vol := &mockVolume{
		name: def.Name,
		path: path.Join(m.pools[pool.Name].path, def.Name),
	}
	if def.Capacity != nil {
		vol.capacity = def.Capacity.Value
	}
	if def.Target != nil && def.Target.Format != nil {
		vol.format = def.Target.Format.Type
	}
	if def.BackingStore != nil {
		vol.backingPath = def.BackingStore.Path
	}
	vols[def.Name] = vol
	return volHandle(pool.Name, vol), nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if _, err := m.findVolume(vol); err != nil {
		return err
	}
	if err := m.deleteErr[vol.Name]; err != nil {
		return err
	}
	delete(m.volumes[vol.Pool], vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetXMLDesc(vol libvirt.StorageVol, flags uint32) (string, error) {
	v, err := m.findVolume(vol)
	if err != nil {
		return "", err
	}

	def := libvirtxml.StorageVolume{
		Type:     "file",
		Name:     v.name,
		Key:      v.path,
		Capacity: &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: v.capacity},
		Target: &libvirtxml.StorageVolumeTarget{
			Path:   v.path,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: v.format},
		},
	}
	if v.backingPath != "" {
		def.BackingStore = &libvirtxml.StorageVolumeBackingStore{Path: v.backingPath}
	}
	return def.Marshal()
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, reader io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	v, err := m.findVolume(vol)
	if err != nil {
		return err
	}
	if m.uploadErr != nil {
		return m.uploadErr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	if uint64(len(data)) != length {
		return fmt.Errorf("upload length mismatch: got %d bytes, declared %d", len(data), length)
	}
	v.data = data
	return nil
}

func (m *mockLibvirtClient) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	var result []libvirt.StoragePool
	for _, pool := range m.pools {
		result = append(result, poolHandle(pool))
	}
	return result, uint32(len(result)), nil
}
