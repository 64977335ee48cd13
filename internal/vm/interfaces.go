package vm

import (
	"context"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
)

// libvirtClient defines the libvirt operations needed for instance
// management.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type libvirtClient interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainGetInfo(dom libvirt.Domain) (rState uint8, rMaxMem uint64, rMemory uint64, rNrVirtCPU uint16, rCPUTime uint64, err error)
	DomainDestroy(dom libvirt.Domain) error

	// DomainUndefineFlags undefines a domain with flags (NVRAM cleanup on
	// aarch64).
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	DomainUndefine(dom libvirt.Domain) error

	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)

	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
}

// storageManager defines the volume operations needed for instance
// management.
//
// In production, this is satisfied by *storage.Manager.
type storageManager interface {
	CreateVolume(ctx context.Context, poolName string, spec storage.VolumeSpec) (storage.VolumeInfo, error)
	ImportFile(ctx context.Context, poolName, volumeName, filePath string, format storage.VolumeFormat) (storage.VolumeInfo, error)
	GetVolume(ctx context.Context, poolName, volumeName string) (storage.VolumeInfo, error)
	DeleteVolume(ctx context.Context, poolName, volumeName string) error
	DeleteVolumeByKey(ctx context.Context, key string) error
}

// imageResolver picks the base image volume for a set of filters. It is
// satisfied by *mirror.Mirror.
type imageResolver interface {
	Resolve(ctx context.Context, filters simplestreams.Filters) (string, error)
}

// diskTool creates blank disks and inspects images. It is satisfied by
// *disk.Tool.
type diskTool interface {
	CreateBlank(ctx context.Context, path string, sizeGiB uint64) error
	Info(ctx context.Context, path string) (disk.ImageInfo, error)
}
