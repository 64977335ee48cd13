package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var identityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// DefaultAuth returns the authentication methods the system ssh client
// would try: keyFile when given, the running ssh-agent, then unencrypted
// identity files in ~/.ssh. The returned closer releases the agent
// connection. Only an unusable keyFile is an error.
func DefaultAuth(keyFile string, log logr.Logger) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closer := func() {}

	if keyFile != "" {
		signer, err := loadKey(keyFile)
		if err != nil {
			return nil, closer, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			log.V(1).Info("ssh-agent unavailable", "error", err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = func() { _ = conn.Close() }
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return methods, closer, nil
	}

	var signers []ssh.Signer
	for _, name := range identityFiles {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			log.V(1).Info("skipping identity", "file", name, "error", err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods, closer, nil
}

func loadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh private key %s: %w", path, err)
	}
	return signer, nil
}
