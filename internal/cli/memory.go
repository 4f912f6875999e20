package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/iammorganparry/vecmem/internal/memory"
	"github.com/iammorganparry/vecmem/internal/models"
)

// scope holds the flags that select a memory table and room.
type scope struct {
	table      string
	room       string
	agent      string
	uniqueOnly bool
}

func scopeFlags(s *scope, roomRequired bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "table",
			Aliases:     []string{"t"},
			Usage:       "Memory table (messages, facts, ...)",
			Value:       "messages",
			Destination: &s.table,
		},
		&cli.StringFlag{
			Name:        "room",
			Aliases:     []string{"r"},
			Usage:       "Room id",
			Required:    roomRequired,
			Destination: &s.room,
		},
		&cli.StringFlag{
			Name:        "agent",
			Aliases:     []string{"a"},
			Usage:       "Agent id",
			Destination: &s.agent,
		},
		&cli.BoolFlag{
			Name:        "unique-only",
			Usage:       "Only consider memories marked unique",
			Destination: &s.uniqueOnly,
		},
	}
}

func (s *scope) filter() models.MemoryFilter {
	return models.MemoryFilter{
		Table:      s.table,
		RoomID:     s.room,
		AgentID:    s.agent,
		UniqueOnly: s.uniqueOnly,
	}
}

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Store and query memories",
		Commands: []*cli.Command{
			memoryAddCommand(),
			memorySearchCommand(),
			memoryListCommand(),
			memoryCountCommand(),
			memoryDeleteCommand(),
		},
	}
}

func memoryAddCommand() *cli.Command {
	var (
		g      globals
		s      scope
		user   string
		kind   string
		unique string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User id",
			Destination: &user,
		},
		&cli.StringFlag{
			Name:        "type",
			Usage:       "Content type: message, document, fragment or fact",
			Value:       string(models.ContentMessage),
			Destination: &kind,
		},
		&cli.StringFlag{
			Name:        "unique",
			Usage:       "auto (dedup check), true or false",
			Value:       "auto",
			Destination: &unique,
		},
	}
	flags = append(flags, scopeFlags(&s, true)...)
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:      "add",
		Usage:     "Embed text and store it as a memory",
		ArgsUsage: "<text>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return goerr.New("text is required")
			}
			override, err := parseUnique(unique)
			if err != nil {
				return err
			}

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				m, err := rt.memories.Remember(ctx, memory.RememberRequest{
					Table:          s.table,
					RoomID:         s.room,
					AgentID:        s.agent,
					UserID:         user,
					Content:        models.Content{Text: text, Type: models.ContentType(kind)},
					UniqueOverride: override,
				})
				if err != nil {
					return goerr.Wrap(err, "failed to add memory")
				}
				fmt.Fprintf(c.Root().Writer, "%s\tunique=%t\n", m.ID, m.Unique)
				return nil
			})
		},
	}
}

func parseUnique(v string) (*bool, error) {
	if v == "" || v == "auto" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, goerr.Wrap(models.ErrValidation, "unique must be auto, true or false", goerr.V("value", v))
	}
	return &b, nil
}

func memorySearchCommand() *cli.Command {
	var (
		g         globals
		s         scope
		threshold float64
		limit     int64
		offset    int64
		asJSON    bool
	)

	flags := []cli.Flag{
		&cli.FloatFlag{
			Name:        "threshold",
			Usage:       "Minimum cosine similarity (default from config)",
			Destination: &threshold,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of results (default from config)",
			Destination: &limit,
		},
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Number of ranked results to skip",
			Destination: &offset,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print results as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, scopeFlags(&s, false)...)
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Find memories similar to a text",
		ArgsUsage: "<text>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return goerr.New("text is required")
			}

			opts := memory.SearchOptions{
				Filter: s.filter(),
				Limit:  int(limit),
				Offset: int(offset),
			}
			if c.IsSet("threshold") {
				opts.Threshold = &threshold
			}

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				results, err := rt.memories.Recall(ctx, text, opts)
				if err != nil {
					return goerr.Wrap(err, "failed to search memories")
				}
				if asJSON {
					return printJSON(c.Root().Writer, results)
				}
				for _, r := range results {
					fmt.Fprintf(c.Root().Writer, "%.4f\t%s\t%s\n", r.Similarity, r.Record.ID, r.Record.Content.Text)
				}
				return nil
			})
		},
	}
}

func memoryListCommand() *cli.Command {
	var (
		g          globals
		s          scope
		start, end int64
		limit      int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "start",
			Usage:       "Earliest creation time, unix millis",
			Destination: &start,
		},
		&cli.IntFlag{
			Name:        "end",
			Usage:       "Latest creation time, unix millis",
			Destination: &end,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to list",
			Value:       100,
			Destination: &limit,
		},
	}
	flags = append(flags, scopeFlags(&s, false)...)
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List memories, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			f := s.filter()
			f.Start, f.End = start, end

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				records, err := rt.memories.List(ctx, f, int(limit))
				if err != nil {
					return goerr.Wrap(err, "failed to list memories")
				}
				for _, m := range records {
					fmt.Fprintf(c.Root().Writer, "%s\t%d\tunique=%t\t%s\n", m.ID, m.CreatedAt, m.Unique, m.Content.Text)
				}
				return nil
			})
		},
	}
}

func memoryCountCommand() *cli.Command {
	var (
		g globals
		s scope
	)

	flags := scopeFlags(&s, true)
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:  "count",
		Usage: "Count memories in a room",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				n, err := rt.memories.Count(ctx, s.room, s.table, s.uniqueOnly)
				if err != nil {
					return goerr.Wrap(err, "failed to count memories")
				}
				fmt.Fprintln(c.Root().Writer, n)
				return nil
			})
		},
	}
}

func memoryDeleteCommand() *cli.Command {
	var (
		g globals
		s scope
	)

	flags := scopeFlags(&s, false)
	flags = append(flags, globalFlags(&g)...)

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete one memory by id, or every memory in --room",
		ArgsUsage: "[memory-id]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" && s.room == "" {
				return goerr.New("either a memory id or --room is required")
			}

			return withRuntime(ctx, c, &g, func(rt *runtime) error {
				if id != "" {
					if err := rt.memories.DeleteByID(ctx, id, s.table); err != nil {
						return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
					}
					fmt.Fprintf(c.Root().Writer, "deleted %s\n", id)
					return nil
				}
				if err := rt.memories.DeleteAllInRoom(ctx, s.room, s.table); err != nil {
					return goerr.Wrap(err, "failed to delete room memories", goerr.V("room", s.room))
				}
				fmt.Fprintf(c.Root().Writer, "deleted all memories in %s\n", s.room)
				return nil
			})
		},
	}
}
