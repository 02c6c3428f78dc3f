package main

import (
	"context"
	"flag"
	"os"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/cache"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/infrastructure/logger"
	"coinledger/internal/repository"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	migrate := flag.Bool("migrate", true, "create or update tables before seeding")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, *migrate); err != nil {
		log.Error("Seed failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, migrate bool) error {
	db, err := database.NewConnection(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	// Replicas starting together seed one at a time.
	rdb, err := cache.NewRedis(cfg, log)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		release, err := lock.NewJobLocker(rdb, time.Minute).Hold(context.Background(), "seed", 500*time.Millisecond, 60)
		if err != nil {
			return err
		}
		defer release()
	}

	if migrate {
		if err := database.Migrate(db); err != nil {
			return err
		}
	}

	assets := make([]repository.AssetSeed, 0, len(cfg.Seed.Assets))
	for _, a := range cfg.Seed.Assets {
		assets = append(assets, repository.AssetSeed{Code: a.Code, Name: a.Name})
	}
	if err := repository.Seed(context.Background(), db, assets); err != nil {
		return err
	}

	log.Info("Seed completed", zap.Int("asset_types", len(assets)))
	return nil
}
