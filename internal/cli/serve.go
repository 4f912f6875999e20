package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/iammorganparry/vecmem/internal/api"
)

func serveCommand() *cli.Command {
	var (
		g    globals
		addr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address for the health and stats endpoints",
			Destination: &addr,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve /health and /stats over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				if addr == "" {
					addr = rt.cfg.HTTPAddr
				}
				srv := &http.Server{
					Addr:         addr,
					Handler:      api.NewRouter(rt.db, rt.embedder, rt.logger),
					ReadTimeout:  30 * time.Second,
					WriteTimeout: 60 * time.Second,
					IdleTimeout:  120 * time.Second,
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				errCh := make(chan error, 1)
				go func() {
					rt.logger.Info("ops server starting", "addr", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
					close(errCh)
				}()

				select {
				case err := <-errCh:
					if err != nil {
						return goerr.Wrap(err, "ops server", goerr.V("addr", addr))
					}
					return nil
				case <-ctx.Done():
				}

				rt.logger.Info("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "shutdown ops server")
				}
				return nil
			})
		},
	}
}
