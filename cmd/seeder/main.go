// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/config"
	"github.com/unclebandit/voicecampaign-backend/internal/db"
	"github.com/unclebandit/voicecampaign-backend/internal/logger"
)

func main() {
	migrationsDir := flag.String("migrations", "migrations", "directory of schema migrations")
	seedDir := flag.String("seed", "seed", "directory of seed data, empty to skip")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DB, zl)
	if err != nil {
		zl.Fatal("open database", zap.Error(err))
	}
	defer conn.Close()

	files, err := sqlFiles(*migrationsDir)
	if err != nil {
		zl.Fatal("list migrations", zap.Error(err))
	}
	if *seedDir != "" {
		seeds, err := sqlFiles(*seedDir)
		if err != nil {
			zl.Fatal("list seed files", zap.Error(err))
		}
		files = append(files, seeds...)
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			zl.Fatal("read file", zap.String("file", file), zap.Error(err))
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			zl.Fatal("execute file", zap.String("file", file), zap.Error(err))
		}
		zl.Info("applied", zap.String("file", file))
	}

	zl.Info("Database seeding completed successfully!")
}

// sqlFiles lists dir's .sql files in name order. businesses.sql sorts
// before campaigns.sql, which references it.
func sqlFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
