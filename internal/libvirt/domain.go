package libvirt

import (
	"embed"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/naming"
)

//go:embed templates/*.xml
var templates embed.FS

// CacheUnsafe is the disk cache mode used for throwaway instances.
const CacheUnsafe = "unsafe"

// Disk is a volume attached to an instance, in attachment order.
type Disk struct {
	Path   string
	Format string
}

// DomainSpec describes the instance a descriptor is composed for.
type DomainSpec struct {
	Name      string
	VCPUs     uint
	MemoryMiB uint
	Disks     []Disk

	// Arch is the libvirt architecture of the guest. Console logging and
	// host CPU passthrough depend on it.
	Arch string

	// UnsafeCaching wins over DiskCache.
	UnsafeCaching bool
	DiskCache     string

	// Bridge, when set, replaces the template's interfaces with a single
	// virtio NIC on that bridge.
	Bridge string

	LogConsoleOutput bool
	HostPassthrough  bool

	// Metadata is an XML element stored in the domain's <metadata>.
	Metadata string
}

// Template returns the default descriptor template for a guest
// architecture.
func Template(arch string) ([]byte, error) {
	data, err := templates.ReadFile("templates/" + arch + ".xml")
	if err != nil {
		return nil, fmt.Errorf("no domain template for architecture %s: %w", arch, errdefs.ErrCapability)
	}
	return data, nil
}

// LoadTemplate reads the template at path, or the default template for
// arch when path is empty.
func LoadTemplate(path, arch string) ([]byte, error) {
	if path == "" {
		return Template(arch)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain template: %w", err)
	}
	return data, nil
}

// ComposeDomainXML fills a descriptor template with spec. Name, vCPUs,
// memory and disks always replace what the template has. Interfaces and
// serial devices are replaced only when spec asks for it; everything else
// in the template is kept.
func ComposeDomainXML(template []byte, spec DomainSpec, log logr.Logger) (string, error) {
	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(string(template)); err != nil {
		return "", fmt.Errorf("failed to parse domain template: %w", err)
	}

	domain.Name = spec.Name
	domain.VCPU = &libvirtxml.DomainVCPU{Value: spec.VCPUs}
	domain.Memory = &libvirtxml.DomainMemory{Value: spec.MemoryMiB * 1024, Unit: "KiB"}
	domain.CurrentMemory = &libvirtxml.DomainCurrentMemory{Value: spec.MemoryMiB * 1024, Unit: "KiB"}

	if domain.Devices == nil {
		domain.Devices = &libvirtxml.DomainDeviceList{}
	}

	disks, err := composeDisks(spec)
	if err != nil {
		return "", err
	}
	domain.Devices.Disks = disks

	if spec.Bridge != "" {
		domain.Devices.Interfaces = []libvirtxml.DomainInterface{
			{
				Source: &libvirtxml.DomainInterfaceSource{
					Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: spec.Bridge},
				},
				Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
			},
		}
	}

	if spec.LogConsoleOutput {
		if spec.Arch == "s390x" {
			return "", fmt.Errorf("logging guest console output is not supported on s390x: %w", errdefs.ErrCapability)
		}
		log.Info("Warning: logging guest console output introduces a DoS security problem on the host and should not be used in production")

		port := uint(0)
		domain.Devices.Serials = []libvirtxml.DomainSerial{
			{
				Source: &libvirtxml.DomainChardevSource{StdIO: &libvirtxml.DomainChardevSourceStdIO{}},
				Target: &libvirtxml.DomainSerialTarget{Port: &port},
			},
		}
		domain.Devices.Consoles = withoutSerialConsoles(domain.Devices.Consoles)
	}

	if spec.HostPassthrough {
		if spec.Arch == "aarch64" {
			log.Info("on aarch64 a host type cpu is the default")
		} else {
			domain.CPU = &libvirtxml.DomainCPU{Mode: "host-passthrough"}
		}
	}

	if spec.Metadata != "" {
		if domain.Metadata == nil {
			domain.Metadata = &libvirtxml.DomainMetadata{}
		}
		domain.Metadata.XML += spec.Metadata
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

func composeDisks(spec DomainSpec) ([]libvirtxml.DomainDisk, error) {
	cache := spec.DiskCache
	if spec.UnsafeCaching {
		cache = CacheUnsafe
	}

	disks := make([]libvirtxml.DomainDisk, 0, len(spec.Disks))
	for i, d := range spec.Disks {
		dev, err := naming.DiskTarget(i)
		if err != nil {
			return nil, err
		}
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name:  "qemu",
				Type:  d.Format,
				Cache: cache,
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.Path},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: dev},
		})
	}
	return disks, nil
}

func withoutSerialConsoles(consoles []libvirtxml.DomainConsole) []libvirtxml.DomainConsole {
	var kept []libvirtxml.DomainConsole
	for _, c := range consoles {
		if c.Target != nil && c.Target.Type == "serial" {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// DiskPaths returns the file backing each disk of a domain descriptor.
// Disks without a file source, such as network disks, are skipped.
func DiskPaths(domainXML string) ([]string, error) {
	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Devices == nil {
		return nil, nil
	}

	var paths []string
	for _, d := range domain.Devices.Disks {
		if d.Source == nil {
			continue
		}
		switch {
		case d.Source.File != nil && d.Source.File.File != "":
			paths = append(paths, d.Source.File.File)
		case d.Source.Block != nil && d.Source.Block.Dev != "":
			paths = append(paths, d.Source.Block.Dev)
		}
	}
	return paths, nil
}

// InterfaceMACs returns the MAC address of every interface of a domain
// descriptor.
func InterfaceMACs(domainXML string) ([]string, error) {
	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Devices == nil {
		return nil, nil
	}

	var macs []string
	for _, iface := range domain.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			macs = append(macs, iface.MAC.Address)
		}
	}
	return macs, nil
}

// Arch returns the guest architecture of a domain descriptor.
func Arch(domainXML string) (string, error) {
	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(domainXML); err != nil {
		return "", fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.OS == nil || domain.OS.Type == nil {
		return "", nil
	}
	return domain.OS.Type.Arch, nil
}
