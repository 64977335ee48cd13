// Package disk wraps qemu-img for the disk image work libvirt's storage
// API does not do: inspecting downloaded images and allocating blank
// qcow2 disks to be imported as volumes.
package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
)

// QemuImg is the qemu-img binary.
const QemuImg = "qemu-img"

// RunFunc runs a command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CombinedOutput is the RunFunc that executes the command. A command is not
// started once ctx is done, but one already running is left to finish so
// that no half-written image or volume is left behind.
func CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	cmd := exec.Command(name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w\nOutput: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// ImageInfo is the subset of `qemu-img info --output=json` kiln reads.
type ImageInfo struct {
	Filename        string `json:"filename"`
	Format          string `json:"format"`
	VirtualSize     uint64 `json:"virtual-size"`
	ActualSize      uint64 `json:"actual-size"`
	BackingFilename string `json:"backing-filename,omitempty"`
}

// Tool runs qemu-img.
type Tool struct {
	run RunFunc
	log logr.Logger
}

// New returns a Tool that executes qemu-img.
func New(log logr.Logger) *Tool {
	return NewWithRunner(CombinedOutput, log)
}

// NewWithRunner returns a Tool that runs commands through run.
func NewWithRunner(run RunFunc, log logr.Logger) *Tool {
	return &Tool{run: run, log: log}
}

// Info inspects a disk image.
func (t *Tool) Info(ctx context.Context, path string) (ImageInfo, error) {
	out, err := t.run(ctx, QemuImg, "info", "--output=json", path)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to inspect %s: %w", path, err)
	}

	var info ImageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return ImageInfo{}, fmt.Errorf("failed to parse qemu-img info for %s: %w", path, err)
	}
	if info.Format == "" {
		return ImageInfo{}, fmt.Errorf("qemu-img info for %s reported no format", path)
	}
	return info, nil
}

// CreateBlank allocates an empty qcow2 image of sizeGiB at path.
func (t *Tool) CreateBlank(ctx context.Context, path string, sizeGiB uint64) error {
	if sizeGiB == 0 {
		return fmt.Errorf("disk size must be greater than 0")
	}

	t.log.V(1).Info("creating blank disk", "path", path, "sizeGiB", sizeGiB)
	if _, err := t.run(ctx, QemuImg, "create", "-f", "qcow2", path, fmt.Sprintf("%dG", sizeGiB)); err != nil {
		return fmt.Errorf("failed to create disk %s: %w", path, err)
	}
	return nil
}

// CheckSpace verifies that the filesystem holding dir has at least need
// bytes available.
func CheckSpace(dir string, need uint64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to get filesystem stats for %s: %w", dir, err)
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if need > available {
		return fmt.Errorf("insufficient disk space in %s: need %d bytes, have %d available", dir, need, available)
	}
	return nil
}
