package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/host"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/ssh"
	"github.com/jbweber/kiln/internal/vm"
)

type createOptions struct {
	memory          uint
	cpu             uint
	diskGiB         uint64
	ephemeral       []uint
	bridge          string
	unsafeCaching   bool
	logConsole      bool
	developer       bool
	hostPassthrough bool
	diskCache       string
	template        string
	guestArch       string
	backingImage    string
	userData        string
	metaData        string
	password        string
	scripts         []string
	packages        []string
	sshKeyFile      string
	imagePool       string
	noStart         bool
}

var createOpts createOptions

func init() {
	f := createCmd.Flags()
	f.UintVar(&createOpts.memory, "memory", vm.DefaultMemoryMiB, "memory in MiB")
	f.UintVar(&createOpts.cpu, "cpu", vm.DefaultVCPUs, "number of vCPUs")
	f.Uint64Var(&createOpts.diskGiB, "disk", vm.DefaultDiskGiB, "root disk size in GiB")
	f.UintSliceVar(&createOpts.ephemeral, "ephemeral-disk", nil, "add an ephemeral disk of this size in GiB (repeatable)")
	f.StringVar(&createOpts.bridge, "bridge", "", "attach the instance to this host bridge instead of the template network")
	f.BoolVar(&createOpts.unsafeCaching, "unsafe-caching", false, "use unsafe disk caching, for throwaway instances")
	f.BoolVar(&createOpts.logConsole, "log-console-output", false, "log the serial console to a file instead of a pty")
	f.BoolVarP(&createOpts.developer, "developer", "d", false, "shorthand for --unsafe-caching --log-console-output")
	f.BoolVar(&createOpts.hostPassthrough, "host-passthrough", false, "pass the host CPU model through to the guest")
	f.StringVar(&createOpts.diskCache, "disk-cache", "", "disk cache mode")
	f.StringVar(&createOpts.template, "template", "", "domain XML template (default depends on the guest architecture)")
	f.StringVar(&createOpts.guestArch, "guest-arch", "", "guest architecture (default is the host's)")
	f.StringVar(&createOpts.backingImage, "backing-image-file", "", "use this image file instead of a mirrored image")
	f.StringVar(&createOpts.userData, "user-data", "", "cloud-init user-data file (replaces the generated one)")
	f.StringVar(&createOpts.metaData, "meta-data", "", "cloud-init meta-data file (replaces the generated one)")
	f.StringVar(&createOpts.password, "password", "", "password for the default user (insecure)")
	f.StringArrayVar(&createOpts.scripts, "run-script-once", nil, "run this script once on first boot (repeatable)")
	f.StringArrayVar(&createOpts.packages, "packages", nil, "comma separated packages to install on first boot (repeatable)")
	f.StringVar(&createOpts.sshKeyFile, "ssh-public-key-file", "", "public keys to authorize (default ssh-agent, then ~/.ssh/id_rsa.pub)")
	f.StringVar(&createOpts.imagePool, "image-pool", "", "pool holding the mirrored images (default from config)")
	f.BoolVar(&createOpts.noStart, "no-start", false, "define the instance without starting it")
}

var createCmd = &cobra.Command{
	Use:   "create <name> [filter...]",
	Short: "Create an instance from a mirrored image",
	Long: `Create a new instance backed by the single mirrored image matching the
filters. Without filters the current LTS release is used, and an arch filter
for the guest architecture is always added when none is given.

The instance gets a copy-on-write root disk, a cloud-init datasource disk
and any requested ephemeral disks. Nothing is left behind if creation fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]
		if err := config.ValidateName(name); err != nil {
			return err
		}
		if createOpts.password != "" && createOpts.userData != "" {
			return fmt.Errorf("--password cannot be used with --user-data")
		}

		inspector := host.NewInspector(log)
		if err := inspector.CheckKVM(ctx); err != nil {
			return err
		}

		req, err := buildRequest(ctx, name, args[1:], createOpts, inspector)
		if err != nil {
			return err
		}

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.ensurePools(ctx); err != nil {
			return err
		}

		fmt.Printf("Creating instance %s...\n", name)
		if err := s.vms.Create(ctx, req); err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}

		fmt.Printf("✓ Instance %s created\n", name)
		return nil
	},
}

// ltsSource reports the current LTS release. It is satisfied by
// *host.Inspector.
type ltsSource interface {
	LTSRelease(ctx context.Context) (string, error)
}

// buildRequest turns the command line into a create request. It reads
// every input file and generates cloud-init data, but does not touch
// libvirt.
func buildRequest(ctx context.Context, name string, filterArgs []string, opts createOptions, lts ltsSource) (vm.Request, error) {
	archName := opts.guestArch
	if archName == "" {
		h, err := host.HostArch()
		if err != nil {
			return vm.Request{}, err
		}
		archName = h.Go
	}
	arch, err := host.LookupArch(archName)
	if err != nil {
		return vm.Request{}, err
	}

	req := vm.Request{
		Name:             name,
		ImagePool:        cfg.ImagePool,
		Pool:             cfg.Pool.Name,
		VCPUs:            opts.cpu,
		MemoryMiB:        opts.memory,
		DiskGiB:          opts.diskGiB,
		Arch:             arch.Libvirt,
		Bridge:           opts.bridge,
		DiskCache:        opts.diskCache,
		UnsafeCaching:    opts.unsafeCaching || opts.developer,
		LogConsoleOutput: opts.logConsole || opts.developer,
		HostPassthrough:  opts.hostPassthrough,
		Start:            !opts.noStart,
	}
	if opts.imagePool != "" {
		req.ImagePool = opts.imagePool
	}
	for _, size := range opts.ephemeral {
		req.EphemeralGiB = append(req.EphemeralGiB, uint64(size))
	}

	if opts.backingImage != "" {
		req.BackingImage = opts.backingImage
	} else {
		req.Filters, err = imageFilters(ctx, filterArgs, arch, lts)
		if err != nil {
			return vm.Request{}, err
		}
	}

	templatePath := opts.template
	if templatePath == "" {
		templatePath = cfg.TemplatePath(arch.Libvirt)
	}
	req.Template, err = kilnlibvirt.LoadTemplate(templatePath, arch.Libvirt)
	if err != nil {
		return vm.Request{}, err
	}

	if opts.userData != "" {
		if req.UserData, err = os.ReadFile(opts.userData); err != nil {
			return vm.Request{}, fmt.Errorf("failed to read user-data: %w", err)
		}
	} else {
		if req.UserData, req.KnownHosts, err = generateUserData(ctx, name, opts); err != nil {
			return vm.Request{}, err
		}
	}

	if opts.metaData != "" {
		if req.MetaData, err = os.ReadFile(opts.metaData); err != nil {
			return vm.Request{}, fmt.Errorf("failed to read meta-data: %w", err)
		}
	} else {
		md, err := cloudinit.GenerateMetaData()
		if err != nil {
			return vm.Request{}, err
		}
		req.MetaData = []byte(md)
	}

	return req, nil
}

// imageFilters parses the filter arguments, defaulting the release to the
// current LTS and the arch to the guest's.
func imageFilters(ctx context.Context, args []string, arch host.Arch, lts ltsSource) (simplestreams.Filters, error) {
	filters, err := simplestreams.ParseFilters(args)
	if err != nil {
		return nil, err
	}

	if len(filters) == 0 {
		release, err := lts.LTSRelease(ctx)
		if err != nil {
			return nil, err
		}
		filters = append(filters, simplestreams.Filter{Key: "release", Op: simplestreams.OpEqual, Value: release})
	}

	for _, f := range filters {
		if f.Key == "arch" {
			return filters, nil
		}
	}
	return append(filters, simplestreams.Filter{Key: "arch", Op: simplestreams.OpEqual, Value: arch.Ubuntu}), nil
}

// generateUserData renders the default user-data with fresh host keys and
// returns it with the known-hosts blob for those keys.
func generateUserData(ctx context.Context, name string, opts createOptions) ([]byte, string, error) {
	keys, err := ssh.GenerateHostKeys()
	if err != nil {
		return nil, "", err
	}

	authorized, err := cloudinit.AuthorizedKeys(ctx, disk.CombinedOutput, opts.sshKeyFile, log)
	if err != nil {
		return nil, "", err
	}
	if err := config.ValidateAuthorizedKeys(authorized); err != nil {
		return nil, "", err
	}

	if opts.password != "" {
		log.Info("Warning: a password makes the instance accessible to anyone who can reach it; use ssh keys where possible")
	}

	var scripts []cloudinit.Script
	for _, path := range opts.scripts {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read script: %w", err)
		}
		scripts = append(scripts, cloudinit.Script{Content: content})
	}

	ud, err := cloudinit.GenerateUserData(cloudinit.UserDataOptions{
		Hostname:       name,
		HostKeys:       []cloudinit.HostKey{{Type: "ed25519", Private: keys.Private, Public: keys.Public}},
		AuthorizedKeys: authorized,
		Password:       opts.password,
		Scripts:        scripts,
		Packages:       opts.packages,
	})
	if err != nil {
		return nil, "", err
	}
	return []byte(ud), keys.Public, nil
}
