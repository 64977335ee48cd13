package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/jbweber/kiln/internal/errdefs"
)

var insecureOptions = []string{
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "StrictHostKeyChecking=no",
	"-o", "CheckHostIP=no",
}

// CommandArgs builds the argument list for the system ssh client.
// knownHostsFile is ignored when insecure is set.
func CommandArgs(t Target, knownHostsFile string, args []string) []string {
	argv := []string{"-l", t.user()}
	if t.port() != DefaultPort {
		argv = append(argv, "-p", strconv.Itoa(t.port()))
	}
	if t.Insecure && t.KnownHosts == "" {
		argv = append(argv, insecureOptions...)
	} else {
		argv = append(argv, "-o", "UserKnownHostsFile="+knownHostsFile, "-o", "StrictHostKeyChecking=yes")
	}
	argv = append(argv, t.Host)
	return append(argv, args...)
}

// Interactive runs the system ssh client against t with the terminal
// attached and returns its exit status.
func Interactive(ctx context.Context, t Target, args []string) (int, error) {
	var knownHostsFile string
	if t.KnownHosts == "" && !t.Insecure {
		return 0, fmt.Errorf("connecting to %s: %w", t.Host, errdefs.ErrInsecure)
	}
	if t.KnownHosts != "" {
		dir, err := os.MkdirTemp("", "kiln-ssh-")
		if err != nil {
			return 0, fmt.Errorf("failed to create temporary directory: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()

		knownHostsFile, err = WriteKnownHostsFile(dir, t.KnownHosts, t.Host, t.port())
		if err != nil {
			return 0, err
		}
	}

	cmd := exec.CommandContext(ctx, "ssh", CommandArgs(t, knownHostsFile, args)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to run ssh: %w", err)
	}
	return 0, nil
}
