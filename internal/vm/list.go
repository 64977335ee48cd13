package vm

import (
	"context"
	"fmt"
	"sort"

	"github.com/digitalocean/go-libvirt"

	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metadata"
)

// InstanceInfo represents information about an instance.
type InstanceInfo struct {
	Name      string `json:"name" yaml:"name"`
	State     string `json:"state" yaml:"state"`
	VCPUs     uint16 `json:"vcpus" yaml:"vcpus"`
	MemoryMiB uint64 `json:"memory_mib" yaml:"memory_mib"`
	Image     string `json:"image,omitempty" yaml:"image,omitempty"`
	Created   string `json:"created,omitempty" yaml:"created,omitempty"`
}

// LeaseLookup maps a MAC address to its leased IPv4 address. It is
// satisfied by *lease.DB.
type LeaseLookup interface {
	Lookup(mac string) (ip string, ok bool, err error)
}

// List returns every defined domain, running or not, sorted by name.
// Domains kiln did not create are included without image details.
func (m *Manager) List(_ context.Context) ([]InstanceInfo, error) {
	domains, _, err := m.lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	infos := make([]InstanceInfo, 0, len(domains))
	for _, dom := range domains {
		info, err := m.domainInfo(dom)
		if err != nil {
			m.log.Info("Warning: failed to get domain info", "name", dom.Name, "error", err.Error())
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *Manager) domainInfo(dom libvirt.Domain) (InstanceInfo, error) {
	state, _, memory, vcpus, _, err := m.lv.DomainGetInfo(dom)
	if err != nil {
		return InstanceInfo{}, fmt.Errorf("failed to get domain info: %w", err)
	}

	info := InstanceInfo{
		Name:      dom.Name,
		State:     stateToString(int32(state)),
		VCPUs:     vcpus,
		MemoryMiB: memory / 1024,
	}

	inst, err := metadata.Load(m.lv, dom)
	if err != nil {
		m.log.V(1).Info("unreadable instance metadata", "name", dom.Name, "error", err.Error())
		return info, nil
	}
	info.Image = inst.Image
	info.Created = inst.Created
	return info, nil
}

// stateToString converts a libvirt domain state to a human-readable string.
func stateToString(state int32) string {
	switch libvirt.DomainState(state) {
	case libvirt.DomainNostate:
		return "no state"
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainBlocked:
		return "blocked"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "shutdown"
	case libvirt.DomainShutoff:
		return "shutoff"
	case libvirt.DomainCrashed:
		return "crashed"
	case libvirt.DomainPmsuspended:
		return "pmsuspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// IsRunning reports whether the named domain is running.
func (m *Manager) IsRunning(_ context.Context, name string) (bool, error) {
	dom, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	state, _, err := m.lv.DomainGetState(dom, 0)
	if err != nil {
		return false, fmt.Errorf("failed to get state of %s: %w", name, err)
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

// InterfaceMACs returns the MAC address of each NIC of the named domain.
func (m *Manager) InterfaceMACs(_ context.Context, name string) ([]string, error) {
	domainXML, err := m.descriptor(name)
	if err != nil {
		return nil, err
	}
	return kilnlibvirt.InterfaceMACs(domainXML)
}

// IPs returns the leased address of each NIC of the named domain that has
// one.
func (m *Manager) IPs(ctx context.Context, name string, leases LeaseLookup) ([]string, error) {
	macs, err := m.InterfaceMACs(ctx, name)
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, mac := range macs {
		ip, ok, err := leases.Lookup(mac)
		if err != nil {
			return nil, fmt.Errorf("failed to look up lease for %s: %w", mac, err)
		}
		if ok {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// KnownHosts returns the host key blob recorded for the named instance,
// or "" when none was recorded.
func (m *Manager) KnownHosts(_ context.Context, name string) (string, error) {
	dom, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	inst, err := metadata.Load(m.lv, dom)
	if err != nil {
		return "", err
	}
	return inst.SSHKnownHosts, nil
}

// DiskSources returns the disk source path of every defined domain. The
// image mirror uses it to keep referenced base images.
func (m *Manager) DiskSources(_ context.Context) ([]string, error) {
	domains, _, err := m.lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	var paths []string
	for _, dom := range domains {
		domainXML, err := m.lv.DomainGetXMLDesc(dom, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read descriptor of %s: %w", dom.Name, err)
		}
		ps, err := kilnlibvirt.DiskPaths(domainXML)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", dom.Name, err)
		}
		paths = append(paths, ps...)
	}
	return paths, nil
}

func (m *Manager) descriptor(name string) (string, error) {
	dom, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	domainXML, err := m.lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", fmt.Errorf("failed to read descriptor of %s: %w", name, err)
	}
	return domainXML, nil
}
