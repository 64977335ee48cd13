package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/lease"
	"github.com/jbweber/kiln/internal/output"
	"github.com/jbweber/kiln/internal/ssh"
)

var (
	listOutput    string
	listNoHeaders bool
	sshInsecure   bool
)

func init() {
	addOutputFlag(listCmd, &listOutput)
	listCmd.Flags().BoolVar(&listNoHeaders, "no-headers", false, "omit the table header")

	sshCmd.Flags().BoolVar(&sshInsecure, "insecure", false, "connect without a recorded host key")
	sshCmd.Flags().SetInterspersed(false)
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>...",
	Short: "Destroy instances",
	Long: `Destroy instances by name, in order.

This will:
- Stop the instance if running
- Delete every volume attached to it
- Undefine the domain`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		for _, name := range args {
			if err := s.vms.Destroy(ctx, name); err != nil {
				return err
			}
			fmt.Printf("✓ Instance %s destroyed\n", name)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		formatter, err := output.NewFormatter(output.Options{Format: output.Format(listOutput), NoHeaders: listNoHeaders})
		if err != nil {
			return err
		}

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		instances, err := s.vms.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}

		out, err := formatter.FormatInstances(instances)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var ipCmd = &cobra.Command{
	Use:   "ip <name>",
	Short: "Print the IP address of an instance",
	Long: `Print the address dnsmasq leased to the instance. When the instance has
several, the first is printed and a warning is logged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		ips, err := s.vms.IPs(ctx, args[0], lease.New(cfg.Lease.Files...))
		if err != nil {
			return err
		}
		switch len(ips) {
		case 0:
			return fmt.Errorf("no IP address found for %s: %w", args[0], errdefs.ErrNotFound)
		case 1:
		default:
			log.Info("Warning: instance has multiple IP addresses, printing the first", "name", args[0], "addresses", ips)
		}
		fmt.Println(ips[0])
		return nil
	},
}

var sshCmd = &cobra.Command{
	Use:   "ssh [user@]<name> [command...]",
	Short: "Open an ssh session to an instance",
	Long: `Run the system ssh client against the instance, verifying it with the
host key recorded when the instance was created.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, name := splitUserHost(args[0])

		s, err := connect(ctx)
		if err != nil {
			return err
		}

		ip, blob, err := sshTarget(cmd, s, name)
		s.close()
		if err != nil {
			return err
		}

		status, err := ssh.Interactive(ctx, ssh.Target{
			Host:       ip,
			User:       user,
			KnownHosts: blob,
			Insecure:   sshInsecure,
		}, args[1:])
		if err != nil {
			return err
		}
		if status != 0 {
			os.Exit(status)
		}
		return nil
	},
}

// sshTarget returns the single address of name and its recorded host keys.
func sshTarget(cmd *cobra.Command, s *session, name string) (string, string, error) {
	ctx := cmd.Context()
	ips, err := s.vms.IPs(ctx, name, lease.New(cfg.Lease.Files...))
	if err != nil {
		return "", "", err
	}
	switch len(ips) {
	case 0:
		return "", "", fmt.Errorf("no IP address found for %s: %w", name, errdefs.ErrNotFound)
	case 1:
	default:
		return "", "", fmt.Errorf("%s has multiple IP addresses %v: %w", name, ips, errdefs.ErrInvalidState)
	}

	blob, err := s.vms.KnownHosts(ctx, name)
	if err != nil {
		return "", "", err
	}
	return ips[0], blob, nil
}

// splitUserHost splits "user@name". The user is empty when not given.
func splitUserHost(arg string) (string, string) {
	if i := strings.LastIndex(arg, "@"); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return "", arg
}
