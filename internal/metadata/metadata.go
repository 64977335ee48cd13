// Package metadata stores kiln's per-instance data in the libvirt domain
// <metadata> element, so it lives and dies with the domain definition.
//
// The data is kept as YAML inside a namespaced element, readable when
// inspecting the domain XML directly.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// Namespace is the XML namespace of kiln's metadata element.
	Namespace = "https://github.com/jbweber/kiln/libvirt/1"

	// Prefix is the namespace prefix libvirt records for the element.
	Prefix = "kiln"
)

// Instance is what kiln remembers about an instance.
type Instance struct {
	// SSHKnownHosts holds the instance's public host keys, one per line,
	// without host names.
	SSHKnownHosts string `yaml:"ssh_known_hosts,omitempty"`

	// Image identifies the base image: a product/version key or a path.
	Image string `yaml:"image,omitempty"`

	// Created is an RFC 3339 timestamp.
	Created string `yaml:"created,omitempty"`
}

// LibvirtClient is the domain metadata API. It is satisfied by
// *libvirt.Libvirt.
type LibvirtClient interface {
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
}

type element struct {
	XMLName xml.Name `xml:"instance"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	YAML    string   `xml:",chardata"`
}

// Element renders inst as the XML element to embed in a domain's
// <metadata> at definition time.
func Element(inst Instance) (string, error) {
	data, err := yaml.Marshal(inst)
	if err != nil {
		return "", fmt.Errorf("failed to marshal instance metadata to YAML: %w", err)
	}

	out, err := xml.Marshal(element{Xmlns: Namespace, YAML: string(data)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal instance metadata to XML: %w", err)
	}
	return string(out), nil
}

// Parse reads an element produced by Element, as returned by libvirt.
func Parse(s string) (Instance, error) {
	var el element
	if err := xml.Unmarshal([]byte(s), &el); err != nil {
		return Instance{}, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var inst Instance
	if strings.TrimSpace(el.YAML) == "" {
		return inst, nil
	}
	if err := yaml.Unmarshal([]byte(el.YAML), &inst); err != nil {
		return Instance{}, fmt.Errorf("failed to unmarshal instance metadata from YAML: %w", err)
	}
	return inst, nil
}

// Load returns the metadata stored on domain. A domain kiln did not
// create has none, which is not an error.
func Load(l LibvirtClient, domain libvirt.Domain) (Instance, error) {
	s, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{Namespace},
		libvirt.DomainAffectCurrent,
	)
	if err != nil {
		if isNoMetadata(err) {
			return Instance{}, nil
		}
		return Instance{}, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}
	return Parse(s)
}

// Store replaces the metadata on a defined domain.
func Store(l LibvirtClient, domain libvirt.Domain, inst Instance) error {
	el, err := Element(inst)
	if err != nil {
		return err
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{el},
		libvirt.OptString{Prefix},
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}
	return nil
}

func isNoMetadata(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && libvirt.ErrorNumber(lerr.Code) == libvirt.ErrNoDomainMetadata
}
