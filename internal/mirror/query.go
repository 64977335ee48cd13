package mirror

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/imagestore"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/simplestreams"
)

// DescriptionFields are the metadata fields Describe reports.
var DescriptionFields = []string{"release", "arch", "label"}

// Query returns the keys of the local images whose metadata passes filters
// and whose volume is present, sorted.
func (m *Mirror) Query(ctx context.Context, filters simplestreams.Filters) ([]naming.Key, error) {
	scheme, err := m.scheme(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var result []naming.Key
	for _, k := range keys {
		ok, err := m.volumes.VolumeExists(ctx, m.cfg.Pool, naming.EncodeKey(k, scheme))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		rec, err := m.store.Get(k)
		if err != nil {
			return nil, err
		}
		if filters.Matches(rec) {
			result = append(result, k)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Product != result[j].Product {
			return result[i].Product < result[j].Product
		}
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// Resolve returns the volume name of the single local image matching
// filters.
func (m *Mirror) Resolve(ctx context.Context, filters simplestreams.Filters) (string, error) {
	keys, err := m.Query(ctx, filters)
	if err != nil {
		return "", err
	}

	switch len(keys) {
	case 0:
		return "", fmt.Errorf("%s: %w", filterString(filters), errdefs.ErrNoImageFound)
	case 1:
		return m.VolumeName(ctx, keys[0])
	default:
		return "", fmt.Errorf("%s matched %d images: %w", filterString(filters), len(keys), errdefs.ErrAmbiguousImage)
	}
}

// Describe summarizes an image as "release=... arch=... label=... (version)".
func (m *Mirror) Describe(k naming.Key) (string, error) {
	rec, err := m.store.Get(k)
	if err != nil {
		return "", err
	}
	return describe(rec), nil
}

func describe(rec imagestore.Record) string {
	parts := make([]string, 0, len(DescriptionFields)+1)
	for _, f := range DescriptionFields {
		parts = append(parts, f+"="+rec[f])
	}
	parts = append(parts, "("+rec[imagestore.FieldVersionName]+")")
	return strings.Join(parts, " ")
}

func filterString(filters simplestreams.Filters) string {
	if len(filters) == 0 {
		return "no filters"
	}
	s := make([]string, len(filters))
	for i, f := range filters {
		s[i] = f.String()
	}
	return strings.Join(s, " ")
}
