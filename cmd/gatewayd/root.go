package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/config"
	"github.com/abduss/blobgate/internal/gateway"
	"github.com/abduss/blobgate/internal/logger"
)

type app struct {
	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "gatewayd",
		Short:         "blobgate S3-compatible gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logg, err := logger.Init()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, logg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	cmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newGCCmd(a),
		newUserCmd(a),
		newKeyCmd(a),
	)
	return cmd
}

// withCore opens the gateway for one command and closes it afterwards.
func (a *app) withCore(ctx context.Context, fn func(*gateway.Core) error) error {
	core, err := gateway.Open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			a.log.Warn("close gateway", zap.Error(err))
		}
	}()
	return fn(core)
}

func writeJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != count {
			return fmt.Errorf("%s", message)
		}
		return nil
	}
}
