// Package simplestreams reads image catalogs published in the simplestreams
// format (https://cloud-images.ubuntu.com/releases/streams/v1/index.json).
//
// A catalog is a tree of products, versions and items. Reading it flattens
// the tree into Entry values whose Metadata inherits every scalar field from
// the enclosing levels, so a filter such as "release=noble" can be applied to
// an item even though "release" is declared on its product.
package simplestreams

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

const (
	// DatatypeImageDownloads is the index datatype kiln mirrors.
	DatatypeImageDownloads = "image-downloads"

	// DiskItemName is the only item name kiln accepts in a product version.
	DiskItemName = "disk1.img"

	FieldProductName = "product_name"
	FieldVersionName = "version_name"
	FieldItemName    = "item_name"
)

// Entry is one downloadable item of a catalog, with the metadata it
// inherits from its product and version.
type Entry struct {
	Product  string
	Version  string
	Item     string
	Metadata map[string]string

	// Path is the item location relative to the mirror root.
	Path   string
	SHA256 string
	Size   int64
}

// index is the top-level index document.
type index struct {
	Format string                `json:"format"`
	Index  map[string]indexEntry `json:"index"`
}

type indexEntry struct {
	Datatype string `json:"datatype"`
	Path     string `json:"path"`
	Format   string `json:"format"`
}

// productsDoc keeps every level as raw JSON so that scalar fields at each
// level can be collected without knowing their names.
type productsDoc map[string]json.RawMessage

// flatten turns a products document into entries. Nested objects and lists
// other than the products/versions/items structure are ignored.
func flatten(data []byte) ([]Entry, error) {
	top, err := decodeLevel(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse products document: %w", err)
	}

	products, err := decodeChildren(top.children["products"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse products: %w", err)
	}

	var entries []Entry
	for _, pname := range sortedKeys(products) {
		product, err := decodeLevel(products[pname])
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", pname, err)
		}
		versions, err := decodeChildren(product.children["versions"])
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", pname, err)
		}

		for _, vname := range sortedKeys(versions) {
			version, err := decodeLevel(versions[vname])
			if err != nil {
				return nil, fmt.Errorf("product %s version %s: %w", pname, vname, err)
			}
			items, err := decodeChildren(version.children["items"])
			if err != nil {
				return nil, fmt.Errorf("product %s version %s: %w", pname, vname, err)
			}

			for _, iname := range sortedKeys(items) {
				item, err := decodeLevel(items[iname])
				if err != nil {
					return nil, fmt.Errorf("product %s version %s item %s: %w", pname, vname, iname, err)
				}

				md := make(map[string]string)
				for _, lvl := range []level{top, product, version, item} {
					for k, v := range lvl.scalars {
						md[k] = v
					}
				}
				md[FieldProductName] = pname
				md[FieldVersionName] = vname
				md[FieldItemName] = iname

				e := Entry{
					Product:  pname,
					Version:  vname,
					Item:     iname,
					Metadata: md,
					Path:     item.scalars["path"],
					SHA256:   item.scalars["sha256"],
				}
				if s, ok := item.scalars["size"]; ok {
					n, err := strconv.ParseInt(s, 10, 64)
					if err != nil {
						return nil, fmt.Errorf("product %s version %s item %s: invalid size %q", pname, vname, iname, s)
					}
					e.Size = n
				}
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

type level struct {
	scalars  map[string]string
	children map[string]json.RawMessage
}

func decodeLevel(data []byte) (level, error) {
	var raw productsDoc
	if err := json.Unmarshal(data, &raw); err != nil {
		return level{}, err
	}

	lvl := level{scalars: map[string]string{}, children: map[string]json.RawMessage{}}
	for k, v := range raw {
		s, ok, err := scalar(v)
		if err != nil {
			return level{}, fmt.Errorf("field %s: %w", k, err)
		}
		if ok {
			lvl.scalars[k] = s
			continue
		}
		lvl.children[k] = v
	}
	return lvl, nil
}

func decodeChildren(data json.RawMessage) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// scalar renders a JSON string, number or boolean as a string. ok is false
// for objects, arrays and null.
func scalar(v json.RawMessage) (string, bool, error) {
	if len(v) == 0 {
		return "", false, nil
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return "", false, err
		}
		return strconv.FormatBool(b), true, nil
	case '{', '[', 'n':
		return "", false, nil
	default:
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return "", false, err
		}
		return n.String(), true, nil
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
