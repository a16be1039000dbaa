package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/config"
	"github.com/RichardoC/listing-designer/internal/llm"
)

// Runs a single extraction against the configured provider, e.g.
//
//	go run . "open house for MLS 12345 this Saturday 2-4pm"
func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: listing-designer <message>")
		os.Exit(2)
	}
	text := strings.Join(os.Args[1:], " ")

	cfg, err := config.Parse()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("failed to load template catalog", zap.Error(err))
	}
	extractor, err := llm.Open(cfg.LLM, cat)
	if err != nil {
		logger.Fatal("failed to initialize extractor", zap.Error(err))
	}

	ex, err := extractor.Extract(context.Background(), text, llm.Context{})
	if err != nil {
		logger.Fatal("failed to extract", zap.Error(err))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ex); err != nil {
		logger.Fatal("failed to encode extraction", zap.Error(err))
	}
}
