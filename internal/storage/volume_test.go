package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
)

func newTestManager(t *testing.T) (*Manager, *mockLibvirtClient) {
	t.Helper()
	mockClient := newMockLibvirtClient()
	mockClient.addPool(DefaultPool, PoolTypeDir, DefaultPoolPath)
	return NewManager(mockClient, testr.New(t)), mockClient
}

func TestManager_CreateVolume(t *testing.T) {
	tests := []struct {
		name     string
		poolName string
		spec     VolumeSpec
		setup    func(*mockLibvirtClient)
		wantErr  bool
	}{
		{
			name:     "blank qcow2",
			poolName: DefaultPool,
			spec:     VolumeSpec{Name: "web-ephem-00.qcow", Format: VolumeFormatQCOW2, Capacity: GiB(4)},
		},
		{
			name:     "copy-on-write over image",
			poolName: DefaultPool,
			spec: VolumeSpec{
				Name:        "web.qcow",
				Format:      VolumeFormatQCOW2,
				Capacity:    GiB(8),
				BackingPath: DefaultPoolPath + "/image",
			},
		},
		{
			name:     "invalid spec",
			poolName: DefaultPool,
			spec:     VolumeSpec{Name: "bad", Format: VolumeFormatQCOW2},
			wantErr:  true,
		},
		{
			name:     "missing pool",
			poolName: "nope",
			spec:     VolumeSpec{Name: "v", Format: VolumeFormatQCOW2, Capacity: GiB(1)},
			wantErr:  true,
		},
		{
			name:     "already exists",
			poolName: DefaultPool,
			spec:     VolumeSpec{Name: "dup", Format: VolumeFormatQCOW2, Capacity: GiB(1)},
			setup: func(m *mockLibvirtClient) {
				m.addVolume(DefaultPool, "dup", "qcow2", "")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, mockClient := newTestManager(t)
			if tt.setup != nil {
				tt.setup(mockClient)
			}

			info, err := mgr.CreateVolume(context.Background(), tt.poolName, tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateVolume() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if info.Name != tt.spec.Name {
				t.Errorf("Name = %q, want %q", info.Name, tt.spec.Name)
			}
			if info.Capacity != tt.spec.Capacity {
				t.Errorf("Capacity = %d, want %d", info.Capacity, tt.spec.Capacity)
			}
			if info.Format != tt.spec.Format {
				t.Errorf("Format = %q, want %q", info.Format, tt.spec.Format)
			}
			if info.BackingPath != tt.spec.BackingPath {
				t.Errorf("BackingPath = %q, want %q", info.BackingPath, tt.spec.BackingPath)
			}
			if info.Key == "" || info.Key != info.Path {
				t.Errorf("Key = %q, Path = %q: want key equal to path", info.Key, info.Path)
			}
		})
	}
}

func TestManager_DeleteVolume(t *testing.T) {
	mgr, mockClient := newTestManager(t)
	mockClient.addVolume(DefaultPool, "web.qcow", "qcow2", "")

	if err := mgr.DeleteVolume(context.Background(), DefaultPool, "web.qcow"); err != nil {
		t.Fatalf("DeleteVolume() unexpected error: %v", err)
	}
	if _, ok := mockClient.volumes[DefaultPool]["web.qcow"]; ok {
		t.Error("volume still present after DeleteVolume()")
	}

	err := mgr.DeleteVolume(context.Background(), DefaultPool, "web.qcow")
	if !IsNotFound(err) {
		t.Errorf("second DeleteVolume() error = %v, want not found", err)
	}
}

func TestManager_DeleteVolumeByKey(t *testing.T) {
	mgr, mockClient := newTestManager(t)
	key := mockClient.addVolume(DefaultPool, "web-ds.qcow", "qcow2", "")

	if err := mgr.DeleteVolumeByKey(context.Background(), key); err != nil {
		t.Fatalf("DeleteVolumeByKey() unexpected error: %v", err)
	}
	if len(mockClient.volumes[DefaultPool]) != 0 {
		t.Errorf("volumes left: %v", mockClient.volumeNames(DefaultPool))
	}
	if err := mgr.DeleteVolumeByKey(context.Background(), key); !IsNotFound(err) {
		t.Errorf("DeleteVolumeByKey() on deleted key: error = %v, want not found", err)
	}
}

func TestManager_ListVolumes(t *testing.T) {
	mgr, mockClient := newTestManager(t)
	base := mockClient.addVolume(DefaultPool, "b-image", "qcow2", "")
	mockClient.addVolume(DefaultPool, "a.qcow", "qcow2", base)

	vols, err := mgr.ListVolumes(context.Background(), DefaultPool)
	if err != nil {
		t.Fatalf("ListVolumes() unexpected error: %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("ListVolumes() returned %d volumes, want 2", len(vols))
	}
	if vols[0].Name != "a.qcow" || vols[0].BackingPath != base {
		t.Errorf("first volume = %+v", vols[0])
	}
}

func TestManager_VolumeExists(t *testing.T) {
	mgr, mockClient := newTestManager(t)
	mockClient.addVolume(DefaultPool, "image", "qcow2", "")

	tests := []struct {
		name    string
		pool    string
		volume  string
		want    bool
		wantErr bool
	}{
		{name: "exists", pool: DefaultPool, volume: "image", want: true},
		{name: "missing volume", pool: DefaultPool, volume: "other", want: false},
		{name: "missing pool", pool: "nope", volume: "image", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mgr.VolumeExists(context.Background(), tt.pool, tt.volume)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VolumeExists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("VolumeExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_UploadFile(t *testing.T) {
	mgr, mockClient := newTestManager(t)
	mockClient.addVolume(DefaultPool, "web-ds.qcow", "raw", "")

	src := filepath.Join(t.TempDir(), "ds.img")
	if err := os.WriteFile(src, []byte("datasource"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := mgr.UploadFile(context.Background(), DefaultPool, "web-ds.qcow", src); err != nil {
		t.Fatalf("UploadFile() unexpected error: %v", err)
	}
	if got := string(mockClient.volumes[DefaultPool]["web-ds.qcow"].data); got != "datasource" {
		t.Errorf("uploaded data = %q", got)
	}

	if err := mgr.UploadFile(context.Background(), DefaultPool, "web-ds.qcow", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("UploadFile() with missing source: expected error")
	}
}

func TestIsNotFound(t *testing.T) {
	if IsNotFound(errors.New("boom")) {
		t.Error("IsNotFound() true for unrelated error")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) = true")
	}

	mgr := NewManager(newMockLibvirtClient(), logr.Discard())
	_, err := mgr.GetVolume(context.Background(), "nope", "v")
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false", err)
	}
}
