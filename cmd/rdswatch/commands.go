package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/rdswatch"
)

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	var gf GlobalFlags

	root := &cobra.Command{
		Use:           "rdswatch",
		Short:         "FM/RDS broadcast announcement watcher",
		Long:          "rdswatch tunes an RTL-SDR receiver to an FM station, follows the RDS data stream and records traffic and emergency announcements.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "", "path to TOML config file")

	root.AddCommand(newRunCmd(&gf))
	root.AddCommand(newProbeCmd(&gf))
	root.AddCommand(newCleanupCmd(&gf))
	root.AddCommand(newConfigCmd(&gf))
	return root
}

func loadApp(gf *GlobalFlags) (*rdswatch.App, error) {
	cfg, err := rdswatch.LoadConfig(gf.ConfigPath)
	if err != nil {
		return nil, err
	}
	return rdswatch.New(cfg)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the watcher and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(gf)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return app.Run(ctx)
		},
	}
}

func newProbeCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the receiver hardware is present and usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(gf)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			if err := app.Probe(ctx); err != nil {
				return err
			}
			fmt.Println("receiver ready")
			return nil
		},
	}
}

func newCleanupCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention sweep over recordings and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(gf)
			if err != nil {
				return err
			}
			sum, err := app.SweepOnce()
			if err != nil {
				return err
			}
			printJSON(sum)
			return nil
		},
	}
}

func newConfigCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rdswatch.LoadConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}
