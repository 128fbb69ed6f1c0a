package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/app"
	"github.com/jun/docbrowser/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApp(ctx, cfg, logger, app.Options{InlineSync: true})
	if err != nil {
		logger.Fatal("init app", zap.Error(err))
	}
	application.Start(ctx)

	lambda.Start(application.HandleRequest)
}
