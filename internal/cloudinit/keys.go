package cloudinit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/disk"
)

// AuthorizedKeys finds the public keys to authorize in a new instance.
// With no explicit file the running ssh-agent is asked first, then
// ~/.ssh/id_rsa.pub is read. Finding nothing is not an error: the
// instance simply starts without ssh access, and a warning is logged.
func AuthorizedKeys(ctx context.Context, run disk.RunFunc, file string, log logr.Logger) ([]string, error) {
	if file == "" {
		out, err := run(ctx, "ssh-add", "-L")
		if err == nil {
			if keys := splitLines(out); len(keys) > 0 {
				return keys, nil
			}
		} else {
			log.V(1).Info("no keys from ssh-agent", "error", err)
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		file = filepath.Join(home, ".ssh", "id_rsa.pub")
	}

	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("Warning: public key file not found; instance will be started with no ssh access by default", "file", file)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}

	keys := splitLines(data)
	if len(keys) == 0 {
		log.Info("Warning: public key file is empty; instance will be started with no ssh access by default", "file", file)
	}
	return keys, nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
