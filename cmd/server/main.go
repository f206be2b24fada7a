package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"treeleaf/internal/api"
	"treeleaf/internal/app"
	"treeleaf/internal/config"
)

func main() {
	// 1. Конфиг: defaults → файл → env → флаги
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// 2. Логгер
	lg, err := app.Logger(cfg, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer lg.Close()
	log := lg.Logger

	// 3. Хранилище
	ctx := context.Background()
	st, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	defer closeStore()

	// 4. Фикстуры
	if cfg.SeedPath != "" {
		trees, err := app.Seed(ctx, st, cfg.SeedPath, log)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SeedPath).Msg("seed")
		}
		log.Info().Int("trees", len(trees)).Msg("seed loaded")
	}

	// 5. REST API
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	srv := api.NewServer(api.Deps{Store: st, Log: log, TxTimeout: cfg.Timeout(), SeedRoot: cfg.SeedPath})
	log.Info().Str("port", cfg.Port).Msg("starting treeleaf server")
	if err := api.RunServer(":"+cfg.Port, srv); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
}
