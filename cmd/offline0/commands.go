package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/logging"
	"offline0/internal/offline0"
	"offline0/internal/version"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "offline0",
		Short: "Offline-first caching gateway",
		Long: `offline0 sits in front of a web application and answers page, API and
asset requests from a generation-tagged cache when the origin is unreachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c",
		getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	root.AddCommand(
		newServeCmd(opts),
		newInstallCmd(opts),
		newCachesCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func loadConfig(opts *rootOptions) (offline0.Config, error) {
	cfg, err := offline0.LoadConfig(opts.configPath)
	if err != nil {
		return offline0.Config{}, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg offline0.Config) error {
	storage, err := offline0.OpenStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	svc := offline0.NewService(cfg, storage)
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Logger.Info("offline0 listening",
			"addr", addr,
			"origin", cfg.Server.Origin,
			"generation", cfg.Cache.Generation,
			"storage", cfg.Storage.Backend,
			"version", version.Short(),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Requests are passed through until the worker has activated.
	if err := svc.Start(ctx); err != nil {
		logging.Logger.Error("worker did not activate, serving pass-through only", "error", err)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Precache the configured generation and purge older ones, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			storage, err := offline0.OpenStorage(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			svc := offline0.NewService(cfg, storage)
			defer svc.Close()

			w := svc.Worker()
			if err := w.Install(cmd.Context()); err != nil {
				return err
			}
			if err := w.Activate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", w.Version())
			return nil
		},
	}
}

func newCachesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "caches",
		Short: "List cache generations in the configured storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			storage, err := offline0.OpenStorage(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer storage.Close()

			names, err := storage.Names(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				marker := " "
				if name == cfg.Cache.Generation {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
			}
			return nil
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := offline0.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config is valid")
			fmt.Fprintf(out, "  origin:     %s\n", cfg.Server.Origin)
			fmt.Fprintf(out, "  generation: %s\n", cfg.Cache.Generation)
			fmt.Fprintf(out, "  precache:   %d\n", len(cfg.Cache.Precache))
			fmt.Fprintf(out, "  storage:    %s\n", cfg.Storage.Backend)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
