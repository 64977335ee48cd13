package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/lease"
	"github.com/jbweber/kiln/internal/ssh"
	"github.com/jbweber/kiln/internal/wait"
)

var (
	waitTimeout      time.Duration
	waitInterval     time.Duration
	waitWithoutSSH   bool
	waitRemoteScript string
	waitRemoteUser   string
	waitInsecure     bool
	waitKeyFile      string
)

func init() {
	f := waitCmd.Flags()
	f.DurationVar(&waitTimeout, "timeout", 0, "maximum time for each stage (default from config)")
	f.DurationVar(&waitInterval, "interval", 0, "time between ssh port checks (default from config)")
	f.BoolVar(&waitWithoutSSH, "without-ssh", false, "only wait for the lease and the ssh port")
	f.StringVar(&waitRemoteScript, "remote-wait-script", "", "script run in the instance to decide readiness (default waits for cloud-init)")
	f.StringVar(&waitRemoteUser, "remote-wait-user", "", "user the readiness script runs as (default from config)")
	f.BoolVar(&waitInsecure, "insecure", false, "run the readiness script without a recorded host key")
	f.StringVar(&waitKeyFile, "ssh-private-key-file", "", "private key to log in with, tried before the ssh-agent and ~/.ssh keys")
}

var waitCmd = &cobra.Command{
	Use:   "wait <name>",
	Short: "Wait until an instance is ready",
	Long: `Wait until the instance has a DHCP lease, accepts ssh connections and
the readiness script succeeds in it. Each stage has the full timeout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]

		opts := wait.Options{
			Name:     name,
			Timeout:  cfg.Wait.Timeout,
			Interval: cfg.Wait.Interval,
		}
		if waitTimeout > 0 {
			opts.Timeout = waitTimeout
		}
		if waitInterval > 0 {
			opts.Interval = waitInterval
		}

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if !waitWithoutSSH {
			script, err := remoteScript()
			if err != nil {
				return err
			}
			auth, closeAuth, err := ssh.DefaultAuth(waitKeyFile, log)
			if err != nil {
				return err
			}
			defer closeAuth()

			user := cfg.Wait.RemoteUser
			if waitRemoteUser != "" {
				user = waitRemoteUser
			}
			opts.Script = script
			opts.Remote = &ssh.ScriptRunner{
				Hosts:    s.vms,
				User:     user,
				Insecure: waitInsecure,
				Auth:     auth,
				Log:      log,
				Output:   os.Stderr,
			}
		}

		engine := wait.NewEngine(s.vms, lease.New(cfg.Lease.Files...), log)
		ip, err := engine.WaitReady(ctx, opts)
		if err != nil {
			return err
		}
		log.V(1).Info("instance ready", "name", name, "ip", ip)
		return nil
	},
}

func remoteScript() ([]byte, error) {
	path := waitRemoteScript
	if path == "" {
		path = cfg.Wait.RemoteScript
	}
	if path == "" {
		return wait.DefaultRemoteScript, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote wait script: %w", err)
	}
	return data, nil
}
