package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"go.uber.org/zap"

	"dealsync/internal/config"
	"dealsync/internal/dealsync"
	"dealsync/internal/observability"
	"dealsync/internal/pipedrive"
)

// go run cmd/dealsearch/main.go -by=mapache -q="Federico Iñigo"
// go run cmd/dealsearch/main.go -by=emails -q="ana@example.com,marco@example.com"
func main() {
	by := flag.String("by", "mapache", "Search by: mapache, owner, emails or labels")
	q := flag.String("q", "", "Name, or comma separated emails/labels")
	options := flag.Bool("options", false, "List the team member options and exit")
	flag.Parse()

	cfg := config.Load()
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	svc := dealsync.NewService(
		pipedrive.NewClient(pipedrive.OptionsFromConfig(cfg, logger)),
		dealsync.WithLogger(logger),
	)
	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)

	if *options {
		opts, err := svc.MapacheOptions(ctx)
		if err != nil {
			logger.Fatal("list options", zap.Error(err))
		}
		for _, o := range opts {
			_ = out.Encode(o)
		}
		return
	}

	deals, err := svc.Search(ctx, dealsync.SearchBy(*by), *q)
	if err != nil {
		logger.Fatal("search failed", zap.String("by", *by), zap.Error(err))
	}
	for _, d := range deals {
		_ = out.Encode(d)
	}
}
