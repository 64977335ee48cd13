// Package cloudinit builds the NoCloud datasource an instance boots with.
//
// kiln writes sensible default user-data and meta-data when the caller does
// not supply them, and packs both into a datasource disk image, either with
// the cloud-localds tool or with an in-process ISO 9660 writer.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// UserData is the cloud-config document kiln generates.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string            `yaml:"hostname"`
	ManageEtcHosts    string            `yaml:"manage_etc_hosts"`
	SSHKeys           map[string]string `yaml:"ssh_keys,omitempty"`
	SSHAuthorizedKeys []string          `yaml:"ssh_authorized_keys,omitempty"`
	Password          string            `yaml:"password,omitempty"`
	Chpasswd          *Chpasswd         `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool              `yaml:"ssh_pwauth,omitempty"`
	RunCmd            [][]string        `yaml:"runcmd,omitempty"`
	Packages          []string          `yaml:"packages,omitempty"`
}

// Chpasswd configures password expiry.
type Chpasswd struct {
	Expire bool `yaml:"expire"`
}

// MetaData is the NoCloud meta-data document.
type MetaData struct {
	InstanceID string `yaml:"instance-id"`
}

// HostKey is an SSH host key pair to install in the instance.
type HostKey struct {
	// Type is the cloud-init key type, such as "ed25519".
	Type    string
	Private string
	Public  string
}

// Script is a script to run once on first boot.
type Script struct {
	Content []byte
}

// UserDataOptions are the inputs of the default user-data.
type UserDataOptions struct {
	Hostname       string
	HostKeys       []HostKey
	AuthorizedKeys []string

	// Password, when set, is the default user's password. It does not
	// expire and SSH password authentication is enabled.
	Password string

	Scripts []Script

	// Packages may each hold a comma separated list.
	Packages []string
}

// GenerateUserData renders the default user-data, including the
// "#cloud-config" header.
func GenerateUserData(opts UserDataOptions) (string, error) {
	if opts.Hostname == "" {
		return "", fmt.Errorf("hostname is required")
	}

	ud := UserData{
		Hostname:          opts.Hostname,
		ManageEtcHosts:    "localhost",
		SSHAuthorizedKeys: opts.AuthorizedKeys,
		Packages:          SplitPackages(opts.Packages),
	}

	if len(opts.HostKeys) > 0 {
		ud.SSHKeys = make(map[string]string, 2*len(opts.HostKeys))
		for _, k := range opts.HostKeys {
			ud.SSHKeys[k.Type+"_private"] = k.Private
			ud.SSHKeys[k.Type+"_public"] = k.Public
		}
	}

	if opts.Password != "" {
		ud.Password = opts.Password
		ud.Chpasswd = &Chpasswd{Expire: false}
		ud.SSHPasswordAuth = true
	}

	for i, s := range opts.Scripts {
		ud.RunCmd = append(ud.RunCmd, RunScriptOnce(s.Content, fmt.Sprintf("kiln-%d", i)))
	}

	yamlBytes, err := yaml.Marshal(&ud)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData renders meta-data with a fresh time-based instance-id,
// so cloud-init treats every instance as a first boot.
func GenerateMetaData() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate instance-id: %w", err)
	}

	yamlBytes, err := yaml.Marshal(&MetaData{InstanceID: id.String()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(yamlBytes), nil
}

// RunScriptOnce returns a runcmd entry that runs script exactly once per
// instance under cloud-init-per, identified by uniqueID.
func RunScriptOnce(script []byte, uniqueID string) []string {
	encoded := base64.StdEncoding.EncodeToString(script)
	return []string{
		"cloud-init-per", "once", uniqueID, "sh", "-c",
		fmt.Sprintf(`f=$(mktemp --tmpdir %s-XXXXXXXXXX) && echo "%s" | base64 -d > "$f" && chmod 700 "$f" && "$f" && rm "$f"`,
			uniqueID, encoded),
	}
}

// SplitPackages flattens comma separated package lists.
func SplitPackages(lists []string) []string {
	var pkgs []string
	for _, l := range lists {
		for _, p := range strings.Split(l, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pkgs = append(pkgs, p)
			}
		}
	}
	return pkgs
}
