package disk

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

type fakeRunner struct {
	calls  [][]string
	output []byte
	err    error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.output, f.err
}

func TestTool_Info(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		runErr  error
		want    ImageInfo
		wantErr bool
	}{
		{
			name:   "qcow2 with backing file",
			output: `{"virtual-size": 2361393152, "filename": "disk1.img", "format": "qcow2", "actual-size": 584101888, "backing-filename": "base.img", "dirty-flag": false}`,
			want: ImageInfo{
				Filename:        "disk1.img",
				Format:          "qcow2",
				VirtualSize:     2361393152,
				ActualSize:      584101888,
				BackingFilename: "base.img",
			},
		},
		{
			name:   "raw",
			output: `{"virtual-size": 512, "filename": "x", "format": "raw", "actual-size": 4096}`,
			want:   ImageInfo{Filename: "x", Format: "raw", VirtualSize: 512, ActualSize: 4096},
		},
		{name: "not json", output: "qemu-img: Could not open 'x'", wantErr: true},
		{name: "no format", output: `{"filename": "x"}`, wantErr: true},
		{name: "command fails", runErr: errors.New("exit status 1"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRunner{output: []byte(tt.output), err: tt.runErr}
			tool := NewWithRunner(f.run, testr.New(t))

			got, err := tool.Info(context.Background(), "/tmp/disk1.img")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Info() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("Info() = %+v, want %+v", got, tt.want)
			}

			wantArgs := []string{QemuImg, "info", "--output=json", "/tmp/disk1.img"}
			if !reflect.DeepEqual(f.calls[0], wantArgs) {
				t.Errorf("ran %v, want %v", f.calls[0], wantArgs)
			}
		})
	}
}

func TestTool_CreateBlank(t *testing.T) {
	f := &fakeRunner{}
	tool := NewWithRunner(f.run, testr.New(t))

	if err := tool.CreateBlank(context.Background(), "/scratch/ephem.qcow2", 10); err != nil {
		t.Fatalf("CreateBlank() unexpected error: %v", err)
	}
	want := []string{QemuImg, "create", "-f", "qcow2", "/scratch/ephem.qcow2", "10G"}
	if !reflect.DeepEqual(f.calls[0], want) {
		t.Errorf("ran %v, want %v", f.calls[0], want)
	}

	if err := tool.CreateBlank(context.Background(), "/scratch/zero.qcow2", 0); err == nil {
		t.Error("CreateBlank() with zero size: expected error")
	}
	if len(f.calls) != 1 {
		t.Errorf("zero-size create ran qemu-img")
	}

	f.err = errors.New("exit status 1")
	if err := tool.CreateBlank(context.Background(), "/scratch/fail.qcow2", 1); err == nil {
		t.Error("CreateBlank() with failing qemu-img: expected error")
	}
}

func TestTool_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := exec.LookPath(QemuImg); err != nil {
		t.Skip("qemu-img not installed")
	}

	tool := New(testr.New(t))
	path := filepath.Join(t.TempDir(), "blank.qcow2")

	if err := tool.CreateBlank(context.Background(), path, 1); err != nil {
		t.Fatalf("CreateBlank() unexpected error: %v", err)
	}
	info, err := tool.Info(context.Background(), path)
	if err != nil {
		t.Fatalf("Info() unexpected error: %v", err)
	}
	if info.Format != "qcow2" || info.VirtualSize != 1<<30 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestCheckSpace(t *testing.T) {
	dir := t.TempDir()

	if err := CheckSpace(dir, 1); err != nil {
		t.Errorf("CheckSpace(1 byte) unexpected error: %v", err)
	}
	if err := CheckSpace(dir, ^uint64(0)); err == nil {
		t.Error("CheckSpace(max) expected error")
	}
	if err := CheckSpace(filepath.Join(dir, "missing"), 1); err == nil {
		t.Error("CheckSpace() on missing dir: expected error")
	}
}

func TestCombinedOutput_NotStartedAfterCancel(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	marker := filepath.Join(t.TempDir(), "ran")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CombinedOutput(ctx, "sh", "-c", "touch "+marker)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("CombinedOutput() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("command ran with a cancelled context")
	}
}

func TestCombinedOutput_RunsToCompletion(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	out, err := CombinedOutput(ctx, "sh", "-c", "sleep 0.3; echo converted")
	if err != nil {
		t.Fatalf("CombinedOutput() error = %v, want the command to finish", err)
	}
	if got := strings.TrimSpace(string(out)); got != "converted" {
		t.Errorf("CombinedOutput() = %q, want %q", got, "converted")
	}
}
