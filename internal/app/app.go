package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/adapter/googledrive"
	"github.com/jun/docbrowser/internal/adapter/memory"
	"github.com/jun/docbrowser/internal/archive"
	"github.com/jun/docbrowser/internal/auth"
	"github.com/jun/docbrowser/internal/config"
	"github.com/jun/docbrowser/internal/crypto"
	"github.com/jun/docbrowser/internal/handler"
	"github.com/jun/docbrowser/internal/notify"
	"github.com/jun/docbrowser/internal/secret"
	"github.com/jun/docbrowser/internal/syncer"
)

// Options tune how the App runs inside its host process.
type Options struct {
	// InlineSync runs reconciliation inside the webhook invocation instead
	// of on a background worker. Lambda needs this; a frozen container
	// would otherwise sit on pending work.
	InlineSync bool
}

// App holds the wired components and routes API Gateway requests to them.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	credentials *auth.Manager
	provider    adapter.Provider
	channels    *notify.Manager
	trigger     *syncer.Trigger
	archives    *archive.Builder

	authHandler    *handler.AuthHandler
	webhookHandler *handler.WebhookHandler
	channelHandler *handler.ChannelHandler
	archiveHandler *handler.ArchiveHandler

	apiGatewaySecret string
}

// NewApp initializes the application dependencies. In dev mode nothing
// touches AWS: secrets come from the environment, stores are in memory and
// Drive is replaced by a demo tree.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.L()
	}

	var (
		resolver     secret.Resolver
		encryptor    crypto.Encryptor
		dynamoClient *dynamodb.Client
	)
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		encryptor = crypto.NewMockEncryptor()
		logger.Info("dev mode: env secrets, mock encryptor, in-memory stores, demo drive")
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
		encryptor = crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
		dynamoClient = dynamodb.NewFromConfig(awsCfg)
	}

	googleClientSecret := secret.Lookup(ctx, resolver, cfg.GoogleClientSecretParam, "", logger)
	jwtSecret := secret.Lookup(ctx, resolver, cfg.JWTSecretParam, "default-dev-secret", logger)
	apiGatewaySecret := secret.Lookup(ctx, resolver, cfg.APIGatewaySecretParam, "", logger)

	// A typed nil client would defeat the store's nil check.
	var credentialClient auth.DynamoDBAPI
	if dynamoClient != nil {
		credentialClient = dynamoClient
	}
	store := auth.NewDynamoStore(credentialClient, cfg.CredentialsTable, "", encryptor, cfg.CredentialRetention)
	oauthConfig := auth.NewOAuthConfig(cfg.GoogleClientID, googleClientSecret, cfg.GoogleRedirectURL)
	credentials := auth.NewManager(oauthConfig, store, logger)

	var (
		provider     adapter.Provider
		channelStore notify.ChannelStore
	)
	if cfg.DevMode {
		provider = adapter.StaticProvider{S: memory.NewDemoAdapter(cfg.DriveRootID)}
		channelStore = notify.NewMemoryChannelStore()
	} else {
		credentials.BindAccount(cfg.OperatorEmail, googledrive.LookupAccount)
		provider = googledrive.NewProvider(credentials)
		channelStore = notify.NewDynamoChannelStore(dynamoClient, cfg.ChannelsTable)
	}

	snapshot := syncer.NewSnapshot(provider, cfg.DriveRootID, logger)
	trigger := syncer.NewTrigger(snapshot.Reconcile, logger)

	channels := notify.NewManager(provider, channelStore, trigger, notify.Options{
		ResourceID:  cfg.DriveRootID,
		TTL:         cfg.ChannelTTL,
		RenewBefore: cfg.ChannelRenewBefore,
	}, logger)

	archives := archive.NewBuilder(provider, archive.Limits{
		MaxDepth: cfg.ArchiveMaxDepth,
		MaxNodes: cfg.ArchiveMaxNodes,
	}, logger)

	var flusher handler.Flusher
	if opts.InlineSync {
		flusher = trigger
	}

	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger,

		credentials: credentials,
		provider:    provider,
		channels:    channels,
		trigger:     trigger,
		archives:    archives,

		authHandler:    handler.NewAuthHandler(credentials, jwtSecret, cfg.DevMode, logger),
		webhookHandler: handler.NewWebhookHandler(channels, flusher, logger),
		channelHandler: handler.NewChannelHandler(channels, trigger, cfg.WebhookURL, jwtSecret, logger),
		archiveHandler: handler.NewArchiveHandler(archives, jwtSecret, logger),

		apiGatewaySecret: apiGatewaySecret,
	}, nil
}

// Start restores persisted state and, unless sync runs inline, launches the
// reconciliation worker. The worker stops with ctx.
func (app *App) Start(ctx context.Context) {
	if app.credentials.LoadPersisted(ctx) {
		app.logger.Info("persisted credentials loaded")
	}
	if app.channels.Restore(ctx) {
		app.logger.Info("notification channel restored")
	}
	if !app.opts.InlineSync {
		go app.trigger.Run(ctx)
	}
}

// Credentials returns the credential manager.
func (app *App) Credentials() *auth.Manager { return app.credentials }

// Channels returns the notification channel manager.
func (app *App) Channels() *notify.Manager { return app.channels }

// Archives returns the archive builder.
func (app *App) Archives() *archive.Builder { return app.archives }

// WebhookURL returns the configured default notification address.
func (app *App) WebhookURL() string { return app.cfg.WebhookURL }

// Sync returns the reconciliation trigger.
func (app *App) Sync() *syncer.Trigger { return app.trigger }

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	app.logger.Debug("request", zap.String("method", method), zap.String("path", path))

	// CORS Preflight
	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")

	// A frozen Lambda instance never runs its renewal timer; catch up here.
	if app.opts.InlineSync {
		app.channels.RenewIfDue(ctx)
	}

	// Drive calls the webhook directly, not through CloudFront; the channel
	// id check guards it instead of the origin header.
	if path == "/drive/webhook" && method == http.MethodPost {
		return app.must(app.webhookHandler.Receive(ctx, req)), nil
	}

	// Security: Verify Request Origin (CloudFront only)
	if !app.cfg.DevMode && !app.originVerified(req) {
		app.logger.Warn("missing or invalid X-Origin-Verify header", zap.String("path", path))
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusForbidden,
			Body:       "Forbidden: Access denied",
		}, nil
	}

	type route struct{ method, path string }
	routes := map[route]func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error){
		{http.MethodGet, "/auth/login"}:       app.authHandler.Login,
		{http.MethodGet, "/auth/callback"}:    app.authHandler.Callback,
		{http.MethodGet, "/auth/status"}:      app.authHandler.Status,
		{http.MethodPost, "/auth/logout"}:     app.authHandler.Logout,
		{http.MethodPost, "/channels/start"}:  app.channelHandler.Start,
		{http.MethodPost, "/channels/stop"}:   app.channelHandler.Stop,
		{http.MethodGet, "/channels/status"}:  app.channelHandler.Status,
		{http.MethodPost, "/archive"}:         app.archiveHandler.Build,
		{http.MethodPost, "/archive/publish"}: app.archiveHandler.Publish,
	}
	if h, ok := routes[route{method, path}]; ok {
		return app.corsResponse(app.must(h(ctx, req))), nil
	}

	return app.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

func (app *App) originVerified(req events.APIGatewayProxyRequest) bool {
	if app.apiGatewaySecret == "" {
		return false
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "X-Origin-Verify") {
			return v == app.apiGatewaySecret
		}
	}
	return false
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.cfg.FrontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, logging the error.
func (app *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		app.logger.Error("handler error", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
