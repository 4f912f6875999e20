package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func initCommand() *cli.Command {
	var g globals

	return &cli.Command{
		Name:  "init",
		Usage: "Create the database schema if it does not exist",
		Flags: globalFlags(&g),
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				stats, err := rt.db.Stats(ctx)
				if err != nil {
					return err
				}
				state := "up to date"
				if rt.db.Created() {
					state = "created"
				}
				fmt.Fprintf(c.Root().Writer, "schema %s at %s (dimension %d)\n",
					state, rt.cfg.DBPath, stats.EmbeddingDim)
				return nil
			})
		},
	}
}
