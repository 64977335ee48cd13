package cloudinit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/kdomanski/iso9660"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/storage"
)

const (
	BuilderLocalDS = "cloud-localds"
	BuilderISO     = "iso"

	// volumeLabel is the label the NoCloud datasource looks for.
	volumeLabel = "CIDATA"
)

// Image is a built datasource disk image.
type Image struct {
	Path   string
	Format storage.VolumeFormat
}

// Builder packs user-data and meta-data into a disk image inside dir.
type Builder interface {
	Build(ctx context.Context, dir string, userData, metaData []byte) (Image, error)
}

// NewBuilder returns the builder named by kind.
func NewBuilder(kind string, log logr.Logger) (Builder, error) {
	switch kind {
	case "", BuilderLocalDS:
		return &LocalDS{Run: disk.CombinedOutput, Log: log}, nil
	case BuilderISO:
		return &ISOBuilder{Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown datasource builder %q (want %s or %s)", kind, BuilderLocalDS, BuilderISO)
	}
}

// LocalDS builds a qcow2 datasource with cloud-localds.
type LocalDS struct {
	Run disk.RunFunc
	Log logr.Logger
}

// Build runs cloud-localds --disk-format=qcow2.
func (b *LocalDS) Build(ctx context.Context, dir string, userData, metaData []byte) (Image, error) {
	ud, md, err := stage(dir, userData, metaData)
	if err != nil {
		return Image{}, err
	}

	out := filepath.Join(dir, "ds.img")
	b.Log.V(1).Info("building datasource", "builder", BuilderLocalDS, "path", out)
	if _, err := b.Run(ctx, "cloud-localds", "--disk-format=qcow2", out, ud, md); err != nil {
		return Image{}, fmt.Errorf("failed to build datasource image: %w", err)
	}
	return Image{Path: out, Format: storage.VolumeFormatQCOW2}, nil
}

// ISOBuilder writes a raw ISO 9660 datasource in process.
type ISOBuilder struct {
	Log logr.Logger
}

// Build writes user-data and meta-data to an ISO labelled CIDATA.
func (b *ISOBuilder) Build(_ context.Context, dir string, userData, metaData []byte) (Image, error) {
	ud, md, err := stage(dir, userData, metaData)
	if err != nil {
		return Image{}, err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return Image{}, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// Errors here only leave temporary files behind.
		_ = writer.Cleanup()
	}()

	for name, path := range map[string]string{"user-data": ud, "meta-data": md} {
		f, err := os.Open(path)
		if err != nil {
			return Image{}, fmt.Errorf("failed to open %s: %w", name, err)
		}
		err = writer.AddFile(f, name)
		_ = f.Close()
		if err != nil {
			return Image{}, fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	out := filepath.Join(dir, "ds.iso")
	f, err := os.Create(out)
	if err != nil {
		return Image{}, fmt.Errorf("failed to create ISO image: %w", err)
	}
	defer func() { _ = f.Close() }()

	b.Log.V(1).Info("building datasource", "builder", BuilderISO, "path", out)
	if err := writer.WriteTo(f, volumeLabel); err != nil {
		return Image{}, fmt.Errorf("failed to write ISO image: %w", err)
	}
	if err := f.Close(); err != nil {
		return Image{}, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return Image{Path: out, Format: storage.VolumeFormatRaw}, nil
}

func stage(dir string, userData, metaData []byte) (string, string, error) {
	ud := filepath.Join(dir, "userdata")
	md := filepath.Join(dir, "metadata")
	if err := os.WriteFile(ud, userData, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write user-data: %w", err)
	}
	if err := os.WriteFile(md, metaData, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write meta-data: %w", err)
	}
	return ud, md, nil
}
