package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// HostKeys is a host key pair generated for a new instance. It is handed
// to cloud-init so the instance identity is known before first boot.
type HostKeys struct {
	// Private is the OpenSSH PEM encoded private key.
	Private string

	// Public is the key in authorized_keys format, without a comment. It
	// is also the known-hosts blob stored with the instance.
	Public string
}

// GenerateHostKeys creates an ed25519 host key pair.
func GenerateHostKeys() (HostKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return HostKeys{}, fmt.Errorf("failed to generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return HostKeys{}, fmt.Errorf("failed to encode host key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return HostKeys{}, fmt.Errorf("failed to encode public host key: %w", err)
	}

	return HostKeys{
		Private: string(pem.EncodeToMemory(block)),
		Public:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}, nil
}
