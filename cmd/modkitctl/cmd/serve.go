package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modsup/httpdebug"
	"github.com/GoCodeAlone/modsup/internal/maintenance"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every registered module and serve the read-only debug HTTP surface",
		Long: `serve is the long-lived daemon form of a session: it starts every module
already present in the registry, runs the orphaned-install sweeper, and
(if http_debug_addr is configured) exposes GET /modules and
GET /modules/{name} until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()

			// ping is the host's one always-available core procedure: any
			// module can issue rpc_call{dst:"core", prc:"ping"} as a
			// liveness check against the session itself, independent of
			// any other module being up.
			a.core.Expose("ping", func(_ context.Context, arg interface{}) (interface{}, error) {
				return map[string]interface{}{"pong": true, "at": time.Now().UTC().Format(time.RFC3339)}, nil
			})

			views, err := a.reg.List(ctx)
			if err != nil {
				return fmt.Errorf("serve: list registry: %w", err)
			}
			for _, v := range views {
				if err := a.sup.RunModule(ctx, v.Path); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "serve: failed to start %s: %v\n", v.Name, err)
				}
			}

			a.core.Emit(ctx, "internal:session_ready", map[string]interface{}{"moduleCount": len(views)})

			sweeper := maintenance.New(a.layout.Root(), 0, a.logger)
			if err := sweeper.Start("@every " + cfg.MaintenanceInterval.String()); err != nil {
				return fmt.Errorf("serve: start maintenance sweep: %w", err)
			}
			defer sweeper.Stop()

			var httpServer *http.Server
			if cfg.HTTPDebugAddr != "" {
				httpServer = &http.Server{Addr: cfg.HTTPDebugAddr, Handler: httpdebug.NewRouter(a.reg)}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						fmt.Fprintf(cmd.ErrOrStderr(), "serve: http debug server: %v\n", err)
					}
				}()
				fmt.Fprintf(cmd.OutOrStdout(), "debug http listening on %s\n", cfg.HTTPDebugAddr)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "serving, press Ctrl+C to stop")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			fmt.Fprintln(cmd.OutOrStdout(), "stopping...")
			if httpServer != nil {
				_ = httpServer.Shutdown(ctx)
			}
			return a.sup.Kill(ctx)
		},
	}
}
