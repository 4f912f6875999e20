package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/iammorganparry/vecmem/internal/knowledge"
	"github.com/iammorganparry/vecmem/internal/models"
)

func knowledgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "knowledge",
		Usage: "Ingest and search chunked documents",
		Commands: []*cli.Command{
			knowledgeIngestCommand(),
			knowledgeSearchCommand(),
			knowledgeListCommand(),
			knowledgeRemoveCommand(),
			knowledgeClearCommand(),
		},
	}
}

func agentFlag(agent *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "agent",
		Aliases:     []string{"a"},
		Usage:       "Agent id",
		Required:    true,
		Sources:     cli.EnvVars("VECMEM_AGENT_ID"),
		Destination: agent,
	}
}

func knowledgeIngestCommand() *cli.Command {
	var (
		g      globals
		agent  string
		id     string
		file   string
		source string
		shared bool
	)

	flags := []cli.Flag{
		agentFlag(&agent),
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Document id (generated when empty)",
			Destination: &id,
		},
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Read the document from a file instead of the arguments",
			Destination: &file,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Free-form origin recorded in metadata",
			Destination: &source,
		},
		&cli.BoolFlag{
			Name:        "shared",
			Usage:       "Make the document visible to every agent",
			Destination: &shared,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:      "ingest",
		Usage:     "Store a document and its chunks",
		ArgsUsage: "[text]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return goerr.Wrap(err, "failed to read document", goerr.V("file", file))
				}
				text = string(raw)
				if source == "" {
					source = file
				}
			}

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				res, err := rt.knowledge.Ingest(ctx, knowledge.IngestRequest{
					ID:       id,
					AgentID:  agent,
					Text:     text,
					Source:   source,
					IsShared: shared,
				})
				if res != nil {
					fmt.Fprintf(c.Root().Writer, "%s\tchunks=%d\tskipped=%d\n", res.DocumentID, res.Chunks, res.Skipped)
				}
				if err != nil {
					return goerr.Wrap(err, "failed to ingest document")
				}
				return nil
			})
		},
	}
}

func knowledgeSearchCommand() *cli.Command {
	var (
		g         globals
		agent     string
		threshold float64
		limit     int64
		asJSON    bool
	)

	flags := []cli.Flag{
		agentFlag(&agent),
		&cli.FloatFlag{
			Name:        "threshold",
			Usage:       "Minimum vector score (default from config)",
			Destination: &threshold,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of results (default from config)",
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print results as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Rank knowledge by vector and keyword score",
		ArgsUsage: "<text>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return goerr.New("text is required")
			}

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				vec, err := rt.embedder.Embed(ctx, text)
				if err != nil {
					return goerr.Wrap(err, "failed to embed query")
				}
				q := models.KnowledgeQuery{
					AgentID:   agent,
					Embedding: vec,
					Text:      text,
					Limit:     int(limit),
				}
				if c.IsSet("threshold") {
					q.Threshold = &threshold
				}

				results, err := rt.knowledge.Search(ctx, q)
				if err != nil {
					return goerr.Wrap(err, "failed to search knowledge")
				}
				if asJSON {
					return printJSON(c.Root().Writer, results)
				}
				for _, r := range results {
					kind := "main"
					if r.Record.OriginalID != nil {
						kind = fmt.Sprintf("chunk %d of %s", *r.Record.ChunkIndex, *r.Record.OriginalID)
					}
					fmt.Fprintf(c.Root().Writer, "%.4f\t%s\t%s\t%s\n", r.Similarity, r.Record.ID, kind, r.Record.Content.Text)
				}
				return nil
			})
		},
	}
}

func knowledgeListCommand() *cli.Command {
	var (
		g     globals
		agent string
		id    string
		limit int64
	)

	flags := []cli.Flag{
		agentFlag(&agent),
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Only this document",
			Destination: &id,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of documents to list",
			Value:       100,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List knowledge visible to an agent",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				docs, err := rt.knowledge.Get(ctx, models.KnowledgeFilter{ID: id, AgentID: agent, Limit: int(limit)})
				if err != nil {
					return goerr.Wrap(err, "failed to list knowledge")
				}
				for _, k := range docs {
					fmt.Fprintf(c.Root().Writer, "%s\tmain=%t\tshared=%t\t%s\n", k.ID, k.IsMain, k.IsShared, k.Content.Text)
				}
				return nil
			})
		},
	}
}

func knowledgeRemoveCommand() *cli.Command {
	var (
		g          globals
		withChunks bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "with-chunks",
			Usage:       "Also remove every chunk of the document",
			Destination: &withChunks,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a knowledge row",
		ArgsUsage: "<id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return goerr.New("id is required")
			}

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				if withChunks {
					n, err := rt.knowledge.RemoveWithChunks(ctx, id)
					if err != nil {
						return goerr.Wrap(err, "failed to remove knowledge", goerr.V("id", id))
					}
					fmt.Fprintf(c.Root().Writer, "removed %d rows\n", n)
					return nil
				}
				ok, err := rt.knowledge.Remove(ctx, id)
				if err != nil {
					return goerr.Wrap(err, "failed to remove knowledge", goerr.V("id", id))
				}
				if !ok {
					fmt.Fprintf(c.Root().Writer, "%s not found\n", id)
					return nil
				}
				fmt.Fprintf(c.Root().Writer, "removed %s\n", id)
				return nil
			})
		},
	}
}

func knowledgeClearCommand() *cli.Command {
	var (
		g             globals
		agent         string
		includeShared bool
	)

	flags := []cli.Flag{
		agentFlag(&agent),
		&cli.BoolFlag{
			Name:        "include-shared",
			Usage:       "Also delete shared knowledge",
			Destination: &includeShared,
		},
	}
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:  "clear",
		Usage: "Delete an agent's knowledge",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				n, err := rt.knowledge.Clear(ctx, agent, includeShared)
				if err != nil {
					return goerr.Wrap(err, "failed to clear knowledge", goerr.V("agent", agent))
				}
				fmt.Fprintf(c.Root().Writer, "removed %d rows\n", n)
				return nil
			})
		},
	}
}
