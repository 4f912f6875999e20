package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/iammorganparry/vecmem/internal/cache"
	"github.com/iammorganparry/vecmem/internal/config"
	"github.com/iammorganparry/vecmem/internal/embedding"
	"github.com/iammorganparry/vecmem/internal/knowledge"
	"github.com/iammorganparry/vecmem/internal/logging"
	"github.com/iammorganparry/vecmem/internal/memory"
	"github.com/iammorganparry/vecmem/internal/store"
	"github.com/iammorganparry/vecmem/internal/vector"
)

// globals holds flags shared by every command. Anything left empty falls
// back to the environment or the config file.
type globals struct {
	configPath string
	dbPath     string
	logLevel   string
}

func globalFlags(g *globals) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to a YAML config file",
			Sources:     cli.EnvVars("VECMEM_CONFIG"),
			Destination: &g.configPath,
		},
		&cli.StringFlag{
			Name:        "db",
			Usage:       "SQLite database path",
			Destination: &g.dbPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			Destination: &g.logLevel,
		},
	}
}

func (g *globals) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

// runtime is the fully wired store for one command invocation.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *store.DB
	embedder  *embedding.CachedEmbedder
	results   *cache.ResultCache
	memories  *memory.Service
	knowledge *knowledge.Service
}

func (g *globals) newRuntime(ctx context.Context, c *cli.Command) (*runtime, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}

	logger := logging.New(cfg.LogLevel, c.Root().ErrWriter)
	logging.SetDefault(logger)

	db, err := store.Open(cfg.DBPath, func(o *store.Options) {
		o.Dimension = cfg.EmbeddingDim
		o.QueryTimeout = cfg.QueryTimeout
	})
	if err != nil {
		return nil, goerr.Wrap(err, "open database", goerr.V("path", cfg.DBPath))
	}

	embCache := embedding.NewCache(store.NewEmbeddingCacheStore(db))
	if err := embCache.Load(ctx); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "load embedding cache")
	}
	embedder := embedding.NewCachedEmbedder(newProvider(cfg), embCache, cfg.EmbeddingDim, logger)

	results, err := cache.New(store.NewResultCacheStore(db), cfg.ResultCacheMaxCost)
	if err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "create result cache")
	}

	engine := vector.NewEngine(cfg.EmbeddingDim, func(o *vector.Options) {
		o.DefaultThreshold = cfg.DefaultMatchThreshold
		o.DefaultCount = cfg.DefaultMatchCount
	})

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		embedder: embedder,
		results:  results,
		memories: memory.NewService(store.NewMemoryStore(db), engine, embedder, cfg.DedupThreshold, logger),
		knowledge: knowledge.NewService(
			store.NewKnowledgeStore(db),
			engine,
			results,
			embedder,
			knowledge.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
			logger,
		),
	}, nil
}

func (r *runtime) Close() error {
	var merr *multierror.Error
	r.results.Close()
	if err := r.db.Close(); err != nil {
		merr = multierror.Append(merr, goerr.Wrap(err, "close database"))
	}
	return merr.ErrorOrNil()
}

func newProvider(cfg *config.Config) embedding.Provider {
	if cfg.EmbedProvider == config.ProviderOpenAI {
		return embedding.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}
	return embedding.NewOllamaClient(cfg.OllamaBaseURL, cfg.EmbeddingModel)
}

// withRuntime builds the runtime, runs fn and closes it again.
func withRuntime(ctx context.Context, c *cli.Command, g *globals, fn func(*runtime) error) (err error) {
	rt, err := g.newRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "encode output")
	}
	return nil
}
