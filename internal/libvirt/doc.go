// Package libvirt connects to the local libvirt daemon and composes domain
// descriptors.
//
// The package wraps github.com/digitalocean/go-libvirt for connection
// management:
//
//	client, err := libvirt.Connect("", 0, log)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Descriptors are built from a template, either one of the embedded
// per-architecture defaults or a user supplied file:
//
//	tmpl, err := libvirt.LoadTemplate("", "x86_64")
//	xml, err := libvirt.ComposeDomainXML(tmpl, libvirt.DomainSpec{
//	    Name:      "web1",
//	    VCPUs:     1,
//	    MemoryMiB: 512,
//	    Disks:     []libvirt.Disk{{Path: rootPath, Format: "qcow2"}},
//	}, log)
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers (internal/vm,
// internal/storage, internal/metadata) define their own LibvirtClient
// interfaces specifying only the operations they need. *libvirt.Libvirt
// satisfies them implicitly.
package libvirt
