package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NoahCxrest/offline-cache-gateway/internal/app"
	"github.com/NoahCxrest/offline-cache-gateway/internal/config"
	"github.com/NoahCxrest/offline-cache-gateway/internal/server/admin"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "offlinecache",
	Short: "Offline-first caching gateway.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file")

	rootCmd.AddCommand(newServeCmd(), newInstallCmd(), newGenerationsCmd())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "serve [-c config_file]",
		Short:        "Run the gateway.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}

			ctx, stop := signalContext()
			defer stop()
			if err := application.Run(ctx); err != nil {
				return fmt.Errorf("run app: %w", err)
			}
			return nil
		},
	}
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "install",
		Short:        "Install and activate the configured manifest once, then exit.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer application.Close()

			ctx, stop := signalContext()
			defer stop()
			m, err := application.Install(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.Version(), m.State())
			return nil
		},
	}
}

func newGenerationsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "generations",
		Short: "Inspect or purge stored cache generations.",
	}

	list := &cobra.Command{
		Use:          "list",
		Short:        "List generations and their entry counts.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg config.Config) error {
				store, err := app.OpenStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				gens, err := admin.ListGenerations(ctx, store, "")
				if err != nil {
					return err
				}
				return printGenerations(cmd.OutOrStdout(), gens)
			})
		},
	}

	purge := &cobra.Command{
		Use:          "purge [generation...]",
		Short:        "Delete the named generations, or every generation when none is named.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg config.Config) error {
				store, err := app.OpenStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				names := args
				if len(names) == 0 {
					if names, err = store.Generations(ctx); err != nil {
						return err
					}
				}
				for _, name := range names {
					existed, err := store.Delete(ctx, name)
					if err != nil {
						return fmt.Errorf("delete %s: %w", name, err)
					}
					if existed {
						fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
					}
				}
				return nil
			})
		},
	}

	c.AddCommand(list, purge)
	return c
}

func withStore(fn func(ctx context.Context, cfg config.Config) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()
	return fn(ctx, cfg)
}

func printGenerations(w io.Writer, gens []admin.Generation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tENTRIES")
	for _, g := range gens {
		fmt.Fprintf(tw, "%s\t%d\n", g.Name, g.Entries)
	}
	return tw.Flush()
}
