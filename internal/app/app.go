// Package app собирает логгер, хранилище и фикстуры для cmd/server и cmd/tblctl.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"treeleaf/internal/config"
	"treeleaf/internal/logging"
	"treeleaf/internal/pg"
	"treeleaf/internal/seed"
	"treeleaf/internal/store"
)

func Logger(cfg config.Config, console bool) (*logging.Log, error) {
	return logging.New().
		FromPath(cfg.LogFile).
		Level(cfg.LogLevel).
		Rotate(cfg.LogMaxSizeMB, cfg.LogMaxBackups).
		Console(console).
		Make()
}

// OpenStore: пустой DSN даёт память, иначе pg/sqlite. close всегда не nil.
func OpenStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, func() error, error) {
	dsn := strings.TrimSpace(cfg.DBURL)
	if dsn == "" {
		log.Info().Msg("store: in-memory")
		return store.NewMemory(), func() error { return nil }, nil
	}
	db, err := pg.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx, db, log); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info().Str("driver", db.Driver.String()).Bool("auto_migrate", cfg.AutoMigrate).Msg("store: sql")
	return pg.NewStore(db, log), db.Close, nil
}

// Seed грузит фикстуры из файла или директории. Возвращает id деревьев.
func Seed(ctx context.Context, st store.Store, path string, log zerolog.Logger) ([]string, error) {
	fixtures, err := seed.LoadPath(path)
	if err != nil {
		return nil, err
	}
	trees := make([]string, 0, len(fixtures))
	for _, f := range fixtures {
		if _, err := seed.Apply(ctx, st, f); err != nil {
			return trees, err
		}
		trees = append(trees, f.Tree)
		log.Info().Str("tree", f.Tree).Str("source", f.Source).Msg("seeded")
	}
	return trees, nil
}
