package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/output"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect storage pools",
	Long: `Inspect the libvirt storage pools kiln keeps images and instance disks in.

Kiln creates its pools on first use: the image pool for mirrored images and
the instance pool for instance volumes. By default both are the same pool.`,
}

var (
	poolOutput    string
	poolNoHeaders bool
)

func init() {
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolInfoCmd)
	poolCmd.AddCommand(poolRefreshCmd)

	addOutputFlag(poolListCmd, &poolOutput)
	poolListCmd.Flags().BoolVar(&poolNoHeaders, "no-headers", false, "omit the table header")
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all storage pools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		formatter, err := output.NewFormatter(output.Options{Format: output.Format(poolOutput), NoHeaders: poolNoHeaders})
		if err != nil {
			return err
		}

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		pools, err := s.storage.ListPools(ctx)
		if err != nil {
			return err
		}
		out, err := formatter.FormatPools(pools)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var poolInfoCmd = &cobra.Command{
	Use:   "info [name]",
	Short: "Show detailed information about a pool",
	Long: `Display detailed information about a storage pool, by default the
configured instance pool.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		poolName := cfg.Pool.Name
		if len(args) == 1 {
			poolName = args[0]
		}

		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		poolInfo, err := s.storage.GetPoolInfo(ctx, poolName)
		if err != nil {
			return fmt.Errorf("failed to get pool info: %w", err)
		}
		volumes, err := s.storage.ListVolumes(ctx, poolName)
		if err != nil {
			return fmt.Errorf("failed to list volumes: %w", err)
		}

		fmt.Printf("Pool: %s\n", poolInfo.Name)
		fmt.Printf("Type: %s\n", poolInfo.Type)
		fmt.Printf("State: %s\n", poolInfo.State)
		if poolInfo.Path != "" {
			fmt.Printf("Path: %s\n", poolInfo.Path)
		}
		fmt.Printf("UUID: %s\n", poolInfo.UUID)
		fmt.Printf("Capacity: %.2f GiB\n", poolInfo.CapacityGB())
		fmt.Printf("Allocated: %.2f GiB\n", poolInfo.AllocationGB())
		fmt.Printf("Available: %.2f GiB\n", poolInfo.AvailableGB())

		usagePercent := 0.0
		if poolInfo.Capacity > 0 {
			usagePercent = (float64(poolInfo.Allocation) / float64(poolInfo.Capacity)) * 100
		}
		fmt.Printf("Usage: %.1f%%\n", usagePercent)
		fmt.Printf("Volumes: %d\n", len(volumes))
		return nil
	},
}

var poolRefreshCmd = &cobra.Command{
	Use:   "refresh [name]",
	Short: "Rescan a storage pool for external changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		poolName := cfg.Pool.Name
		if len(args) == 1 {
			poolName = args[0]
		}

		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.storage.RefreshPool(ctx, poolName); err != nil {
			return fmt.Errorf("failed to refresh pool: %w", err)
		}
		fmt.Printf("✓ Pool %s refreshed\n", poolName)
		return nil
	},
}
