package ssh

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jbweber/kiln/internal/errdefs"
)

// KnownHostsLines turns a known-hosts blob, one public key per line as
// recorded when the instance was created, into known_hosts lines for the
// instance at host:port.
func KnownHostsLines(blob, host string, port int) ([]string, error) {
	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(blob))
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("invalid host key %q: %w", text, err)
		}
		lines = append(lines, knownhosts.Line([]string{addr}, key))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, errdefs.ErrInsecure
	}
	return lines, nil
}

// WriteKnownHostsFile writes a known_hosts file for host:port into dir and
// returns its path.
func WriteKnownHostsFile(dir, blob, host string, port int) (string, error) {
	lines, err := KnownHostsLines(blob, host, port)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, "known_hosts-*")
	if err != nil {
		return "", fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write known_hosts file: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

// HostKeyCallback verifies the server against blob. With insecure set and
// no blob, any host key is accepted; without either it fails with
// errdefs.ErrInsecure.
func HostKeyCallback(blob, host string, port int, insecure bool) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(blob) == "" {
		if insecure {
			return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // requested with --insecure
		}
		return nil, errdefs.ErrInsecure
	}

	dir, err := os.MkdirTemp("", "kiln-ssh-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path, err := WriteKnownHostsFile(dir, blob, host, port)
	if err != nil {
		return nil, err
	}
	// knownhosts.New reads the file before returning.
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}
