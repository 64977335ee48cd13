// Package naming provides the naming conventions kiln applies to libvirt
// resources: the reversible identifiers given to mirrored image volumes and
// metadata records, and the volume names given to instance disks.
package naming

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"github.com/jbweber/kiln/internal/errdefs"
)

// Scheme selects how a (product, version) pair is encoded into an
// identifier.
type Scheme string

const (
	// SchemeBase64 is an opaque encoding safe for pools with restrictive
	// volume naming.
	SchemeBase64 Scheme = "b64"

	// SchemePlain is a readable encoding. Product and version must not
	// contain PlainSeparator or the identifier will not round-trip.
	SchemePlain Scheme = "plain"
)

const (
	// Base64Prefix tags identifiers produced by SchemeBase64.
	Base64Prefix = "x-kiln-b64-"

	// PlainPrefix tags identifiers produced by SchemePlain.
	PlainPrefix = "x-kiln-plain-"

	// PlainSeparator joins product and version in SchemePlain.
	PlainSeparator = "__"
)

// Key identifies one image build in the catalog.
type Key struct {
	Product string `json:"product_name" yaml:"product_name"`
	Version string `json:"version_name" yaml:"version_name"`
}

func (k Key) String() string {
	return k.Product + " " + k.Version
}

// SchemeForPoolType returns the identifier scheme for a pool of the given
// libvirt type. Directory pools accept any file name, so they get the
// opaque encoding; other backends (LVM, ZFS, RBD...) restrict volume names
// and get the readable one.
func SchemeForPoolType(poolType string) Scheme {
	if poolType == "dir" {
		return SchemeBase64
	}
	return SchemePlain
}

// Encode derives the identifier for (product, version) under scheme.
func Encode(product, version string, scheme Scheme) string {
	if scheme == SchemePlain {
		return PlainPrefix + product + PlainSeparator + version
	}
	joined := strings.Join([]string{product, version}, " ")
	return Base64Prefix + base64.URLEncoding.EncodeToString([]byte(joined))
}

// EncodeKey is Encode for a Key.
func EncodeKey(k Key, scheme Scheme) string {
	return Encode(k.Product, k.Version, scheme)
}

// Decode reverses Encode for identifiers of either scheme.
func Decode(id string) (product, version string, err error) {
	switch {
	case strings.HasPrefix(id, Base64Prefix):
		raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(id, Base64Prefix))
		if err != nil {
			return "", "", fmt.Errorf("%q: %w", id, errdefs.ErrInvalidIdentifier)
		}
		product, version, ok := splitFirstSpace(string(raw))
		if !ok {
			return "", "", fmt.Errorf("%q: %w", id, errdefs.ErrInvalidIdentifier)
		}
		return product, version, nil

	case strings.HasPrefix(id, PlainPrefix):
		rest := strings.TrimPrefix(id, PlainPrefix)
		i := strings.LastIndex(rest, PlainSeparator)
		if i < 0 {
			return "", "", fmt.Errorf("%q: %w", id, errdefs.ErrInvalidIdentifier)
		}
		return rest[:i], rest[i+len(PlainSeparator):], nil
	}

	return "", "", fmt.Errorf("%q: %w", id, errdefs.ErrInvalidIdentifier)
}

// DecodeKey is Decode returning a Key.
func DecodeKey(id string) (Key, error) {
	p, v, err := Decode(id)
	if err != nil {
		return Key{}, err
	}
	return Key{Product: p, Version: v}, nil
}

// IsManaged reports whether name decodes as a kiln image identifier.
func IsManaged(name string) bool {
	_, _, err := Decode(name)
	return err == nil
}

// splitFirstSpace splits s at the first run of whitespace, after dropping
// leading whitespace. Whatever follows is kept as-is.
func splitFirstSpace(s string) (string, string, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return "", "", false
	}
	head := s[:i]
	tail := strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	if tail == "" {
		return "", "", false
	}
	return head, tail, true
}

// Instance volume names must end in ".qcow": the AppArmor profile for
// virt-aa-helper only reads files with that suffix when it walks a disk's
// backing chain to build the per-domain profile.

// VolumeNameRoot returns the volume name for an instance's root disk.
// Format: {name}.qcow
func VolumeNameRoot(name string) string {
	return fmt.Sprintf("%s.qcow", name)
}

// VolumeNameDatasource returns the volume name for an instance's cloud-init
// datasource disk.
// Format: {name}-ds.qcow
func VolumeNameDatasource(name string) string {
	return fmt.Sprintf("%s-ds.qcow", name)
}

// VolumeNameEphemeral returns the volume name for an instance's n-th
// ephemeral disk.
// Format: {name}-ephem-{nn}.qcow (e.g., "web-ephem-00.qcow")
func VolumeNameEphemeral(name string, n int) string {
	return fmt.Sprintf("%s-ephem-%02d.qcow", name, n)
}

// DiskTarget returns the guest device name for the n-th attached disk:
// vda, vdb, ... vdz, vdA ... vdZ.
func DiskTarget(n int) (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	if n < 0 || n >= len(letters) {
		return "", fmt.Errorf("disk index %d out of range", n)
	}
	return "vd" + string(letters[n]), nil
}
