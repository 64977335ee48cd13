package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/imagestore"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/mirror"
	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/vm"
)

// session is everything one command needs, built on a single libvirt
// connection.
type session struct {
	client  *kilnlibvirt.Client
	storage *storage.Manager
	disks   *disk.Tool
	mirror  *mirror.Mirror
	vms     *vm.Manager
}

// diskSourcesFunc adapts a function to mirror.DiskLister.
type diskSourcesFunc func(ctx context.Context) ([]string, error)

func (f diskSourcesFunc) DiskSources(ctx context.Context) ([]string, error) {
	return f(ctx)
}

func connect(ctx context.Context) (*session, error) {
	client, err := kilnlibvirt.ConnectWithContext(ctx, cfg.Libvirt.Socket, cfg.Libvirt.Timeout, log)
	if err != nil {
		return nil, err
	}

	datasource, err := cloudinit.NewBuilder(cfg.Datasource.Builder, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	s := &session{
		client:  client,
		storage: storage.NewManager(client.Libvirt(), log),
		disks:   disk.New(log),
	}

	// The mirror and the instance manager refer to each other: GC needs the
	// instances' disks and Create resolves images through the mirror.
	s.mirror = mirror.New(mirror.Config{
		Pool:     cfg.ImagePool,
		MaxItems: cfg.Mirror.MaxItems,
	}, imagestore.New(cfg.MetadataDir), s.storage, diskSourcesFunc(func(ctx context.Context) ([]string, error) {
		return s.vms.DiskSources(ctx)
	}), s.disks, log)
	s.vms = vm.NewManager(client.Libvirt(), s.storage, s.mirror, s.disks, datasource, log)

	return s, nil
}

// ensurePools creates the configured pools when they are missing.
func (s *session) ensurePools(ctx context.Context) error {
	if err := s.storage.EnsurePool(ctx, cfg.Pool.Name, storage.PoolTypeDir, cfg.Pool.Path); err != nil {
		return fmt.Errorf("failed to ensure pool %s: %w", cfg.Pool.Name, err)
	}
	if cfg.ImagePool == cfg.Pool.Name {
		return nil
	}
	path := filepath.Join(filepath.Dir(cfg.Pool.Path), cfg.ImagePool)
	if err := s.storage.EnsurePool(ctx, cfg.ImagePool, storage.PoolTypeDir, path); err != nil {
		return fmt.Errorf("failed to ensure pool %s: %w", cfg.ImagePool, err)
	}
	return nil
}

func (s *session) close() {
	if err := s.client.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", err)
	}
}
