package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/collector"
	"github.com/sells-group/datapack-cli/internal/datapack"
	"github.com/sells-group/datapack-cli/internal/fetcher"
	"github.com/sells-group/datapack-cli/internal/store"
)

// initStore opens and migrates the run store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initBlocks opens the block registry on the configured backend. The
// returned func releases the backend connection.
func initBlocks(ctx context.Context) (*blocks.Registry, func(), error) {
	noop := func() {}
	var bs blocks.Store
	closer := noop

	switch cfg.Blocks.Driver {
	case "file":
		bs = blocks.NewFileStore(cfg.Blocks.Path)
	case "sqlite":
		s, err := blocks.NewSQLiteStore(ctx, cfg.Blocks.Path)
		if err != nil {
			return nil, noop, err
		}
		bs = s
		closer = func() { _ = s.Close() }
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.BlocksDatabaseURL())
		if err != nil {
			return nil, noop, eris.Wrap(err, "blocks: connect postgres")
		}
		s := blocks.NewPostgresStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		bs = s
		closer = pool.Close
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Blocks.RedisAddr, DB: cfg.Blocks.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, eris.Wrap(err, "blocks: connect redis")
		}
		bs = blocks.NewRedisStore(client)
		closer = func() { _ = client.Close() }
	default:
		return nil, noop, eris.Errorf("unsupported blocks driver: %s", cfg.Blocks.Driver)
	}
	return blocks.New(bs, cfg.BlockOptions()), closer, nil
}

// collectEnv holds the wired collection engine and the resources behind it.
type collectEnv struct {
	Engine   *datapack.Engine
	Adapters *adapter.Registry
	Store    store.Store
	Blocks   *blocks.Registry

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *collectEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initEngine wires fetcher, adapters, block registry, and store into an
// engine. withStore is false for commands that do not persist runs.
func initEngine(ctx context.Context, withStore bool) (*collectEnv, error) {
	env := &collectEnv{}

	reg, closeBlocks, err := initBlocks(ctx)
	if err != nil {
		return nil, err
	}
	env.Blocks = reg
	env.closers = append(env.closers, closeBlocks)

	defs, err := adapter.LoadDefinitions(cfg.AdaptersFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	adapters, err := adapter.Build(defs, reg)
	if err != nil {
		env.Close()
		return nil, err
	}
	zap.L().Debug("adapters loaded", zap.Strings("ids", adapters.List()))
	env.Adapters = adapters

	deps := collector.Deps{
		Fetch:    fetcher.New(cfg.FetchOptions()),
		Adapters: adapters,
		Blocks:   reg,
	}

	var sink store.Sink
	if withStore {
		st, err := initStore(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Store = st
		env.closers = append(env.closers, func() {
			if err := st.Close(); err != nil {
				zap.L().Warn("close store", zap.Error(err))
			}
		})
		sink = st
	}

	env.Engine = datapack.NewEngine(deps, sink, cfg.CollectOptions())
	return env, nil
}
