package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	cfgFile   string
	verbose   bool
	logFormat string

	cfg config.Config
	log logr.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// printError reports err the way users expect: their own mistakes and
// libvirt failures as one line, anything else with the full chain.
func printError(w io.Writer, err error) {
	var lerr libvirt.Error
	switch {
	case errdefs.IsTrustError(err):
		fmt.Fprintf(w, "kiln: error: %v. Use --insecure iff you trust your network path to the guest.\n", err)
	case errdefs.IsUserError(err):
		fmt.Fprintf(w, "kiln: error: %v\n", err)
	case errors.As(err, &lerr):
		fmt.Fprintf(w, "kiln: error: libvirt: %s\n", lerr.Message)
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - cloud image instances on libvirt",
	Long: `Kiln mirrors Ubuntu cloud images into a libvirt storage pool and
creates throwaway instances from them.

Instances are copy-on-write clones of a mirrored image, configured on first
boot by cloud-init with your ssh keys.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		log, err = logging.Setup(logging.Options{Format: logFormat, Verbose: verbose})
		if err != nil {
			return err
		}
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/kiln/config.yaml or ~/.config/kiln/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "log format (text, json)")
	rootCmd.PersistentFlags().String("libvirt-socket", "", "libvirt daemon socket")
	rootCmd.PersistentFlags().String("pool", "", "storage pool for instance volumes")
	_ = viper.BindPFlag("libvirt.socket", rootCmd.PersistentFlags().Lookup("libvirt-socket"))
	_ = viper.BindPFlag("pool.name", rootCmd.PersistentFlags().Lookup("pool"))

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(testConnCmd)
}

// addOutputFlag registers -o/--output on cmd and rejects unknown formats
// before anything connects to libvirt.
func addOutputFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "output", "o", string(output.FormatTable), "output format (table, json, yaml)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return output.ValidateFormat(*target)
	}
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test connection to libvirt",
	Long:  `Test the connection to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Testing libvirt connection...")

		s, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println("✓ Connected to libvirt")

		if err := s.client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		v, err := s.client.Version()
		if err != nil {
			return err
		}
		fmt.Printf("  Libvirt version: %s\n", v)

		l := s.client.Libvirt()
		if hostname, err := l.ConnectGetHostname(); err == nil {
			fmt.Printf("  Hostname: %s\n", hostname)
		}
		if uri, err := l.ConnectGetUri(); err == nil {
			fmt.Printf("  URI: %s\n", uri)
		}

		fmt.Println("\n✓ Connection test successful!")
		return nil
	},
}
