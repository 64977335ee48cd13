package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/mirror"
	"github.com/jbweber/kiln/internal/output"
	"github.com/jbweber/kiln/internal/simplestreams"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage mirrored cloud images",
	Long: `Mirror Ubuntu cloud images into the image pool and inspect them.

Filters have the form key=value, key!=value, key~regex or key!~regex and
select catalog metadata fields such as release, arch and label.`,
}

var (
	syncURL     string
	syncKeyring string
	syncNoAuth  bool
	syncSource  bool
	syncNoGC    bool
	queryOutput string
)

func init() {
	imageCmd.AddCommand(imageSyncCmd)
	imageCmd.AddCommand(imageQueryCmd)
	imageCmd.AddCommand(imagePurgeCmd)
	imageCmd.AddCommand(imageGCCmd)

	imageSyncCmd.Flags().StringVar(&syncURL, "source", "", "simplestreams mirror URL or directory (default from config)")
	imageSyncCmd.Flags().StringVar(&syncKeyring, "keyring", "", "keyring for signature verification (default from config)")
	imageSyncCmd.Flags().BoolVar(&syncNoAuth, "no-authentication", false, "skip signature verification")
	imageSyncCmd.Flags().BoolVar(&syncSource, "show-source", false, "print the resolved mirror URL and exit")
	imageSyncCmd.Flags().BoolVar(&syncNoGC, "no-gc", false, "keep volumes of images the sync dropped")
	addOutputFlag(imageQueryCmd, &queryOutput)
}

var imageSyncCmd = &cobra.Command{
	Use:   "sync [filter...]",
	Short: "Bring the image pool in line with the upstream catalog",
	Long: `Download new images matching the filters, refresh the metadata of
images already present and forget those that no longer match. Afterwards
image volumes that neither metadata nor an instance refers to are deleted,
unless --no-gc is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filters, err := simplestreams.ParseFilters(args)
		if err != nil {
			return err
		}

		src := &simplestreams.Source{
			URL:     cfg.Mirror.URL,
			Keyring: cfg.Mirror.Keyring,
			NoAuth:  cfg.Mirror.NoAuth || syncNoAuth,
			Log:     log,
		}
		if syncURL != "" {
			src.URL = syncURL
		}
		if syncKeyring != "" {
			src.Keyring = syncKeyring
		}
		if syncSource {
			fmt.Println(src.URL)
			return nil
		}

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.ensurePools(ctx); err != nil {
			return err
		}

		sync := s.mirror.SyncAndCollect
		if syncNoGC {
			sync = s.mirror.Sync
		}
		result, err := sync(ctx, src, filters)
		if err != nil {
			return fmt.Errorf("failed to sync images: %w", err)
		}
		printSyncResult(os.Stdout, result)
		return nil
	},
}

func printSyncResult(w io.Writer, result *mirror.SyncResult) {
	for _, k := range result.Added {
		fmt.Fprintf(w, "Added %s\n", k)
	}
	for _, k := range result.Updated {
		fmt.Fprintf(w, "Updated %s\n", k)
	}
	for _, k := range result.Removed {
		fmt.Fprintf(w, "Removed %s\n", k)
	}
	for _, name := range result.Collected {
		fmt.Fprintf(w, "Deleted %s\n", name)
	}
	if len(result.Added)+len(result.Updated)+len(result.Removed)+len(result.Collected) == 0 {
		fmt.Fprintln(w, "Image pool is up to date")
	}
}

var imageQueryCmd = &cobra.Command{
	Use:   "query [filter...]",
	Short: "List mirrored images matching filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filters, err := simplestreams.ParseFilters(args)
		if err != nil {
			return err
		}
		formatter, err := output.NewFormatter(output.Options{Format: output.Format(queryOutput)})
		if err != nil {
			return err
		}

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		keys, err := s.mirror.Query(ctx, filters)
		if err != nil {
			return fmt.Errorf("failed to query images: %w", err)
		}

		images := make([]output.Image, 0, len(keys))
		for _, k := range keys {
			desc, err := s.mirror.Describe(k)
			if err != nil {
				return err
			}
			images = append(images, output.Image{Key: k, Description: desc})
		}

		out, err := formatter.FormatImages(images)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var imagePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every mirrored image",
	Long: `Delete all image metadata and every volume in the image pool, managed
or not and in use or not. Instances still backed by a purged volume stop
working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mirror.Purge(ctx); err != nil {
			return fmt.Errorf("failed to purge images: %w", err)
		}
		fmt.Println("✓ Image pool purged")
		return nil
	},
}

var imageGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete image volumes no instance or metadata refers to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		removed, err := s.mirror.GC(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect images: %w", err)
		}
		for _, name := range removed {
			fmt.Printf("Deleted %s\n", name)
		}
		return nil
	},
}
