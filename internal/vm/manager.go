package vm

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/cloudinit"
)

// Manager runs instance operations against one libvirt connection.
type Manager struct {
	lv         libvirtClient
	volumes    storageManager
	images     imageResolver
	disks      diskTool
	datasource cloudinit.Builder
	log        logr.Logger

	// ScratchDir is where datasource and ephemeral images are staged
	// before they are imported. Empty means os.TempDir().
	ScratchDir string

	now func() time.Time
}

// NewManager creates a Manager. lv is normally *libvirt.Libvirt, volumes a
// *storage.Manager, images a *mirror.Mirror and disks a *disk.Tool. A zero
// logger discards.
func NewManager(lv libvirtClient, volumes storageManager, images imageResolver, disks diskTool, datasource cloudinit.Builder, log logr.Logger) *Manager {
	return &Manager{
		lv:         lv,
		volumes:    volumes,
		images:     images,
		disks:      disks,
		datasource: datasource,
		log:        log,
		now:        time.Now,
	}
}
