package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
)

const testPoolPath = "/var/lib/kiln/libvirt/images"

// fakeVolumes is an in-memory pool. Volume keys are their paths.
type fakeVolumes struct {
	poolType storage.PoolType
	vols     map[string]storage.VolumeInfo

	imported []string
	deleted  []string
}

func newFakeVolumes() *fakeVolumes {
	return &fakeVolumes{poolType: storage.PoolTypeDir, vols: make(map[string]storage.VolumeInfo)}
}

func (f *fakeVolumes) add(name, backingPath string) string {
	p := path.Join(testPoolPath, name)
	f.vols[name] = storage.VolumeInfo{Name: name, Key: p, Path: p, Pool: storage.DefaultPool, BackingPath: backingPath}
	return p
}

func (f *fakeVolumes) names() []string {
	var names []string
	for n := range f.vols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *fakeVolumes) PoolType(ctx context.Context, poolName string) (storage.PoolType, error) {
	return f.poolType, nil
}

func (f *fakeVolumes) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	_, ok := f.vols[volumeName]
	return ok, nil
}

func (f *fakeVolumes) ListVolumes(ctx context.Context, poolName string) ([]storage.VolumeInfo, error) {
	var out []storage.VolumeInfo
	for _, n := range f.names() {
		out = append(out, f.vols[n])
	}
	return out, nil
}

func (f *fakeVolumes) ImportFile(ctx context.Context, poolName, volumeName, filePath string, format storage.VolumeFormat) (storage.VolumeInfo, error) {
	if _, ok := f.vols[volumeName]; ok {
		return storage.VolumeInfo{}, fmt.Errorf("volume %s already exists", volumeName)
	}
	if _, err := os.Stat(filePath); err != nil {
		return storage.VolumeInfo{}, err
	}
	f.imported = append(f.imported, volumeName)
	f.add(volumeName, "")
	return f.vols[volumeName], nil
}

func (f *fakeVolumes) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	if _, ok := f.vols[volumeName]; !ok {
		return fmt.Errorf("volume %s: %w", volumeName, errdefs.ErrNotFound)
	}
	delete(f.vols, volumeName)
	f.deleted = append(f.deleted, volumeName)
	return nil
}

func (f *fakeVolumes) ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error) {
	byPath := make(map[string]storage.VolumeInfo)
	for _, v := range f.vols {
		byPath[v.Path] = v
	}

	refs := make(map[string]bool)
	for _, p := range paths {
		for p != "" && !refs[p] {
			refs[p] = true
			p = byPath[p].BackingPath
		}
	}
	return refs, nil
}

// fakeCatalog serves entries and their content from memory.
type fakeCatalog struct {
	entries []simplestreams.Entry
	content map[string][]byte
	opened  []string
}

func newFakeCatalog(entries ...simplestreams.Entry) *fakeCatalog {
	c := &fakeCatalog{content: make(map[string][]byte)}
	for _, e := range entries {
		c.add(e)
	}
	return c
}

// add registers e with generated qcow2 content and fills in its checksum.
func (c *fakeCatalog) add(e simplestreams.Entry) {
	data := bytes.Repeat([]byte{0}, 1024)
	copy(data, []byte{0x51, 0x46, 0x49, 0xfb})
	copy(data[8:], e.Product+" "+e.Version)

	sum := sha256.Sum256(data)
	if e.SHA256 == "" {
		e.SHA256 = hex.EncodeToString(sum[:])
	}
	e.Size = int64(len(data))
	c.content[e.Path] = data
	c.entries = append(c.entries, e)
}

func (c *fakeCatalog) Entries(ctx context.Context, indexPath string) ([]simplestreams.Entry, error) {
	return c.entries, nil
}

func (c *fakeCatalog) OpenContent(ctx context.Context, e simplestreams.Entry) (io.ReadCloser, error) {
	data, ok := c.content[e.Path]
	if !ok {
		return nil, fmt.Errorf("no content at %s", e.Path)
	}
	c.opened = append(c.opened, e.Path)
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeInspector struct{}

func (fakeInspector) Info(ctx context.Context, p string) (disk.ImageInfo, error) {
	return disk.ImageInfo{Filename: p, Format: "qcow2", VirtualSize: 2 << 30}, nil
}

type fakeDisks struct {
	sources []string
}

func (f *fakeDisks) DiskSources(ctx context.Context) ([]string, error) {
	return f.sources, nil
}

// diskEntry builds a catalog entry for an Ubuntu server disk image.
func diskEntry(release, version, arch string) simplestreams.Entry {
	product := fmt.Sprintf("com.ubuntu.cloud:server:%s:%s", release, arch)
	p := fmt.Sprintf("server/releases/%s/release-%s/ubuntu-%s-server-cloudimg-%s.img", release, version, release, arch)
	return simplestreams.Entry{
		Product: product,
		Version: version,
		Item:    simplestreams.DiskItemName,
		Path:    p,
		Metadata: map[string]string{
			"datatype":     simplestreams.DatatypeImageDownloads,
			"ftype":        "disk1.img",
			"release":      release,
			"arch":         arch,
			"label":        "release",
			"path":         p,
			"product_name": product,
			"version_name": version,
			"item_name":    simplestreams.DiskItemName,
		},
	}
}
