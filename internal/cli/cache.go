package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Manage the result and embedding caches",
		Commands: []*cli.Command{
			cacheClearCommand(),
		},
	}
}

func cacheClearCommand() *cli.Command {
	var (
		g          globals
		agent      string
		embeddings bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "agent",
			Aliases:     []string{"a"},
			Usage:       "Only clear this agent's cached search results",
			Destination: &agent,
		},
		&cli.BoolFlag{
			Name:        "embeddings",
			Usage:       "Also clear the embedding cache",
			Destination: &embeddings,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:  "clear",
		Usage: "Drop cached knowledge search results",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				n, err := rt.results.Clear(ctx, agent)
				if err != nil {
					return goerr.Wrap(err, "failed to clear result cache")
				}
				fmt.Fprintf(c.Root().Writer, "removed %d cached results\n", n)

				if embeddings {
					entries := rt.embedder.Cache().Len()
					if err := rt.embedder.Cache().Clear(ctx); err != nil {
						return goerr.Wrap(err, "failed to clear embedding cache")
					}
					fmt.Fprintf(c.Root().Writer, "removed %d cached embeddings\n", entries)
				}
				return nil
			})
		},
	}
}
