package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/cache"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/config"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// withDevice loads configuration, opens the local device and runs fn.
func withDevice(cmd *cobra.Command, withSync bool, fn func(ctx context.Context, d *device, out io.Writer) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewCLILogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	d, err := openDevice(appConfig, logger, deviceOptions{withSync: withSync})
	if err != nil {
		return err
	}
	defer d.close()

	if err := fn(cmd.Context(), d, cmd.OutOrStdout()); err != nil {
		logger.Debug("command failed", zap.String("command", cmd.Name()), zap.Error(err))
		return err
	}
	return nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func requireLot(cmd *cobra.Command) (string, error) {
	lotID, err := cmd.Flags().GetString("lot")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(lotID) == "" {
		return "", fmt.Errorf("--lot is required")
	}
	return lotID, nil
}

func newEntryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry <plate>",
		Short: "Register a vehicle entering a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := requireLot(cmd)
			if err != nil {
				return err
			}
			spotID, _ := cmd.Flags().GetString("spot")
			override, _ := cmd.Flags().GetBool("override")
			return withDevice(cmd, false, func(ctx context.Context, d *device, out io.Writer) error {
				record, err := d.cache.RegisterEntry(ctx, cache.EntryRequest{
					Plate:    args[0],
					LotID:    lotID,
					SpotID:   spotID,
					Override: override,
				})
				if err != nil {
					return err
				}
				return printJSON(out, record)
			})
		},
	}
	cmd.Flags().String("lot", "", "Lot identifier")
	cmd.Flags().String("spot", "", "Spot identifier")
	cmd.Flags().Bool("override", false, "Replace an ACTIVE record for the same plate")
	return cmd
}

func newExitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit <plate>",
		Short: "Register a vehicle leaving a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := requireLot(cmd)
			if err != nil {
				return err
			}
			return withDevice(cmd, false, func(ctx context.Context, d *device, out io.Writer) error {
				record, err := d.cache.RegisterExit(ctx, args[0], lotID)
				if err != nil {
					return err
				}
				return printJSON(out, record)
			})
		},
	}
	cmd.Flags().String("lot", "", "Lot identifier")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ACTIVE vehicles of a lot from the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := requireLot(cmd)
			if err != nil {
				return err
			}
			return withDevice(cmd, false, func(ctx context.Context, d *device, out io.Writer) error {
				records, err := d.cache.ListActive(ctx, lotID)
				if err != nil {
					return err
				}
				return printJSON(out, records)
			})
		},
	}
	cmd.Flags().String("lot", "", "Lot identifier")
	return cmd
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List operations not yet acknowledged by the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, false, func(ctx context.Context, d *device, out io.Writer) error {
				ops, err := d.cache.Pending(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, ops)
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, true, func(ctx context.Context, d *device, out io.Writer) error {
				report, err := d.engine.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, report)
			})
		},
	}
}

func newResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <plate>",
		Short: "Accept the backend state for a record in CONFLICT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID, err := requireLot(cmd)
			if err != nil {
				return err
			}
			return withDevice(cmd, false, func(ctx context.Context, d *device, out io.Writer) error {
				record, err := d.cache.ResolveConflict(ctx, lotID, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, record)
			})
		},
	}
	cmd.Flags().String("lot", "", "Lot identifier")
	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <op-id>",
		Short: "Re-arm an operation that exhausted its retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, false, func(ctx context.Context, d *device, out io.Writer) error {
				op, err := d.cache.RetryOperation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, op)
			})
		},
	}
}
