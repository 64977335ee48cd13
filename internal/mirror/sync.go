package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/imagestore"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
)

// SyncResult lists what a sync changed.
type SyncResult struct {
	// Added images were downloaded into new volumes.
	Added []naming.Key
	// Updated images already had a volume; only their metadata was
	// rewritten.
	Updated []naming.Key
	// Removed images lost their metadata. Their volumes are left for GC.
	Removed []naming.Key
	// Collected lists the volumes a following GC deleted.
	Collected []string
}

// SyncAndCollect runs Sync and then GC, so volumes of images Sync retired
// leave the pool in the same run.
func (m *Mirror) SyncAndCollect(ctx context.Context, catalog Catalog, filters simplestreams.Filters) (*SyncResult, error) {
	res, err := m.Sync(ctx, catalog, filters)
	if err != nil {
		return nil, err
	}
	res.Collected, err = m.GC(ctx)
	if err != nil {
		return res, fmt.Errorf("images synced but cleanup failed: %w", err)
	}
	return res, nil
}

// Sync brings the pool in line with catalog. Only entries passing both the
// default mirror filters and filters are considered.
func (m *Mirror) Sync(ctx context.Context, catalog Catalog, filters simplestreams.Filters) (*SyncResult, error) {
	scheme, err := m.scheme(ctx)
	if err != nil {
		return nil, err
	}

	local, err := m.cleanRecords(ctx, scheme)
	if err != nil {
		return nil, err
	}

	entries, err := catalog.Entries(ctx, m.cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	kept, err := m.selectEntries(entries, filters)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	keep := make(map[naming.Key]bool, len(kept))
	for _, e := range kept {
		k := naming.Key{Product: e.Product, Version: e.Version}
		keep[k] = true

		added, err := m.insert(ctx, catalog, e, scheme)
		if err != nil {
			return result, err
		}
		if added {
			result.Added = append(result.Added, k)
		} else {
			result.Updated = append(result.Updated, k)
		}
	}

	for _, k := range local {
		if keep[k] {
			continue
		}
		m.log.Info("removing image", "product", k.Product, "version", k.Version)
		if err := m.store.Delete(k); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return result, err
		}
		result.Removed = append(result.Removed, k)
	}

	return result, nil
}

// cleanRecords drops every metadata record whose volume is missing and
// returns the keys of the records that remain.
func (m *Mirror) cleanRecords(ctx context.Context, scheme naming.Scheme) ([]naming.Key, error) {
	keys, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var present []naming.Key
	for _, k := range keys {
		name := naming.EncodeKey(k, scheme)
		ok, err := m.volumes.VolumeExists(ctx, m.cfg.Pool, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			m.log.V(1).Info("dropping metadata for missing volume", "product", k.Product, "version", k.Version, "volume", name)
			if err := m.store.Delete(k); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
				return nil, err
			}
			continue
		}
		present = append(present, k)
	}
	return present, nil
}

// selectEntries applies the filters and keeps the newest MaxItems versions of each
// product. Every kept entry must be a disk1.img item.
func (m *Mirror) selectEntries(entries []simplestreams.Entry, filters simplestreams.Filters) ([]simplestreams.Entry, error) {
	defaults := simplestreams.DefaultMirrorFilters()

	byProduct := make(map[string][]simplestreams.Entry)
	for _, e := range entries {
		if !defaults.Matches(e.Metadata) || !filters.Matches(e.Metadata) {
			continue
		}
		byProduct[e.Product] = append(byProduct[e.Product], e)
	}

	products := make([]string, 0, len(byProduct))
	for p := range byProduct {
		products = append(products, p)
	}
	sort.Strings(products)

	var kept []simplestreams.Entry
	for _, p := range products {
		es := byProduct[p]
		sort.SliceStable(es, func(i, j int) bool { return es[i].Version > es[j].Version })

		versions := 0
		last := ""
		for _, e := range es {
			if e.Version != last {
				versions++
				last = e.Version
			}
			if versions > m.cfg.MaxItems {
				break
			}
			if e.Item != simplestreams.DiskItemName {
				return nil, fmt.Errorf("%s %s: item %q: %w", e.Product, e.Version, e.Item, errdefs.ErrCatalogShape)
			}
			kept = append(kept, e)
		}
	}
	return kept, nil
}

// insert makes sure the image for e has a volume, then rewrites its
// metadata. It reports whether a volume was created.
func (m *Mirror) insert(ctx context.Context, catalog Catalog, e simplestreams.Entry, scheme naming.Scheme) (bool, error) {
	k := naming.Key{Product: e.Product, Version: e.Version}
	name := naming.EncodeKey(k, scheme)

	exists, err := m.volumes.VolumeExists(ctx, m.cfg.Pool, name)
	if err != nil {
		return false, err
	}

	if !exists {
		m.log.Info("adding image", "product", e.Product, "version", e.Version)
		if err := m.download(ctx, catalog, e, name); err != nil {
			return false, err
		}
	}

	if err := m.store.Set(k, imagestore.Record(e.Metadata)); err != nil {
		return !exists, err
	}
	return !exists, nil
}

// download stages the item content in a scratch file, verifying its size
// and checksum, and imports it as volume name.
func (m *Mirror) download(ctx context.Context, catalog Catalog, e simplestreams.Entry, name string) error {
	scratch := m.cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	if e.Size > 0 {
		if err := disk.CheckSpace(scratch, uint64(e.Size)); err != nil {
			return err
		}
	}

	rc, err := catalog.OpenContent(ctx, e)
	if err != nil {
		return fmt.Errorf("failed to open %s %s: %w", e.Product, e.Version, err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.CreateTemp(scratch, "kiln-image-*.img")
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()

	_, copyErr := io.Copy(f, simplestreams.VerifyReader(rc, e))
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to download %s %s: %w", e.Product, e.Version, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to write scratch file: %w", closeErr)
	}

	if _, err := storage.DetectImageFormat(f.Name()); err != nil {
		return fmt.Errorf("%s %s is not a disk image: %w", e.Product, e.Version, err)
	}

	info, err := m.inspector.Info(ctx, f.Name())
	if err != nil {
		return err
	}
	m.log.V(1).Info("downloaded image", "volume", name, "format", info.Format, "virtualSize", info.VirtualSize)

	_, err = m.volumes.ImportFile(ctx, m.cfg.Pool, name, f.Name(), storage.VolumeFormat(info.Format))
	return err
}
