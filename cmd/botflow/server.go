package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/botflow/config"
	"github.com/BaSui01/botflow/dispatch"
	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/internal/server"
	"github.com/BaSui01/botflow/internal/telemetry"
	"github.com/BaSui01/botflow/remote"
	"github.com/BaSui01/botflow/store"
)

// Server assembles the routing service: stores, remote transport,
// conversation engine, dispatcher and the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	collector *metrics.Collector
	connector *callbackConnector

	redisClient *redis.Client
	mongoClient *mongo.Client

	registry  *store.HandlerRegistry
	stories   store.StoryDefinitionRepository
	timelines store.UserTimelineStore

	gateway        *remote.Gateway
	redisTransport *remote.RedisTransport

	dispatcher *dispatch.Dispatcher

	httpManager    *server.Manager
	metricsManager *server.Manager

	// pipeMu guards pipe, which is swapped whenever the stored story
	// definitions change.
	pipeMu sync.RWMutex
	pipe   *pipeline

	watchCancel context.CancelFunc
}

// pipeline is the part of the service rebuilt on story definition
// changes: the index, the engine over it, and the turn processor.
type pipeline struct {
	index     *engine.BotDefinitionIndex
	processor *dispatch.Processor
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// Start brings up stores, transport, engine, dispatcher and both HTTP
// servers.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("botflow", s.logger)
	s.connector = newCallbackConnector(s.cfg.Bot, s.logger)

	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}

	if err := s.rebuildPipeline(context.Background()); err != nil {
		return fmt.Errorf("failed to build routing pipeline: %w", err)
	}

	s.dispatcher = dispatch.NewDispatcher(s.process, s.logger,
		dispatch.WithMaxConcurrency(s.cfg.Dispatch.MaxConcurrency),
		dispatch.WithQueueSize(s.cfg.Dispatch.QueueSize),
		dispatch.WithRateLimit(rate.Limit(s.cfg.Dispatch.RateLimit), s.cfg.Dispatch.RateBurst),
	)

	if err := s.watchStoryChanges(); err != nil {
		return fmt.Errorf("failed to watch story changes: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("timeline_store", s.cfg.Bot.TimelineStore),
	)
	return nil
}

// initStores opens the story definition repository, the timeline store
// and the remote transport the fallback handler exchanges with.
func (s *Server) initStores() error {
	s.registry = store.NewHandlerRegistry()

	transport, err := s.buildTransport()
	if err != nil {
		return err
	}
	if transport != nil {
		s.registry.SetFallback(engine.NewRemoteStoryHandler(transport, s.logger))
	} else {
		s.logger.Warn("no remote transport configured, stories without local handlers will go unanswered")
	}

	stories, err := store.NewSQLStoryStore(store.SQLStoryStoreConfig{
		Driver: s.cfg.Database.Driver,
		DSN:    s.cfg.Database.DSN(),
	}, s.registry, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open story store: %w", err)
	}
	s.stories = stories

	switch s.cfg.Bot.TimelineStore {
	case "mongo":
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(s.cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("failed to connect mongo: %w", err)
		}
		s.mongoClient = client
		coll := client.Database(s.cfg.Mongo.Database).Collection(s.cfg.Mongo.Collection)
		s.timelines = store.NewMongoTimelineStore(coll)
	case "memory":
		s.timelines = store.NewMemoryTimelineStore()
	default:
		s.timelines = store.NewRedisTimelineStore(s.redis(), store.RedisTimelineStoreConfig{
			KeyPrefix: s.cfg.Redis.KeyPrefix,
		})
	}

	return nil
}

// buildTransport selects the remote story transport: a configured
// webhook endpoint wins, then the websocket gateway, then redis pub/sub.
func (s *Server) buildTransport() (engine.Transport, error) {
	remoteCfg := s.cfg.Remote

	if remoteCfg.GatewaySecret != "" {
		s.gateway = remote.NewGateway([]byte(remoteCfg.GatewaySecret), s.logger,
			remote.WithExchangeTimeout(remoteCfg.Timeout),
			remote.WithGatewayMetrics(s.collector),
		)
	}

	switch {
	case remoteCfg.WebhookEndpoint != "":
		return remote.NewWebhookClient(remoteCfg.WebhookEndpoint, s.logger,
			remote.WithAPIKey(remoteCfg.APIKey),
			remote.WithTimeout(remoteCfg.Timeout),
			remote.WithWebhookMetrics(s.collector),
		), nil
	case s.gateway != nil:
		return s.gateway.TransportFor(remoteCfg.APIKey), nil
	case remoteCfg.RequestChannel != "" && remoteCfg.ResponseChannel != "":
		rt, err := remote.NewRedisTransport(s.redis(), remote.RedisTransportConfig{
			RequestChannel:  remoteCfg.RequestChannel,
			ResponseChannel: remoteCfg.ResponseChannel,
			Timeout:         remoteCfg.Timeout,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis transport unavailable", zap.Error(err))
			return nil, nil
		}
		rt.SetMetrics(s.collector)
		s.redisTransport = rt
		return rt, nil
	default:
		return nil, nil
	}
}

// redis lazily opens the shared redis client.
func (s *Server) redis() *redis.Client {
	if s.redisClient == nil {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
	}
	return s.redisClient
}

// rebuildPipeline reloads story definitions and swaps in a fresh index,
// engine and processor. On failure the previous pipeline stays active.
func (s *Server) rebuildPipeline(ctx context.Context) error {
	defs, err := s.stories.All(ctx)
	if err != nil {
		return err
	}

	// The index requires a fallback story; provide one when the database
	// holds none.
	hasUnknown := false
	for _, def := range defs {
		if def.SupportsIntent(engine.IntentUnknown) {
			hasUnknown = true
			break
		}
	}
	if !hasUnknown {
		defs = append(defs, &engine.StoryDefinition{
			ID:             engine.IntentUnknown,
			StarterIntents: []string{engine.IntentUnknown},
			Handler:        s.registry.Resolve(engine.IntentUnknown),
		})
	}

	index, err := engine.NewBotDefinitionIndex(defs, s.logger,
		engine.WithEnablingIntents(s.cfg.Bot.EnablingIntents...),
		engine.WithDisablingIntents(s.cfg.Bot.DisablingIntents...),
	)
	if err != nil {
		return err
	}

	eng := engine.NewConversationEngine(index, passthroughParser{}, s.logger,
		engine.WithSendChoiceActivate(s.cfg.Bot.SendChoiceActivate),
		engine.WithMetrics(s.collector),
	)

	processor := dispatch.NewProcessor(eng, s.timelines, index, s.connector, s.logger)

	s.pipeMu.Lock()
	s.pipe = &pipeline{index: index, processor: processor}
	s.pipeMu.Unlock()

	s.logger.Info("routing pipeline built", zap.Int("stories", len(defs)))
	return nil
}

func (s *Server) currentPipeline() *pipeline {
	s.pipeMu.RLock()
	defer s.pipeMu.RUnlock()
	return s.pipe
}

// process is the dispatcher's TurnFunc; it always routes through the
// current pipeline so definition changes apply to queued turns too.
func (s *Server) process(ctx context.Context, playerID string, action *engine.Action) error {
	return s.currentPipeline().processor.Process(ctx, playerID, action)
}

// watchStoryChanges rebuilds the pipeline whenever the repository
// signals a definition change.
func (s *Server) watchStoryChanges() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel

	changes, err := s.stories.WatchChanges(ctx)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		for range changes {
			if err := s.rebuildPipeline(ctx); err != nil {
				s.logger.Error("failed to rebuild pipeline after story change", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/v1/messages", s.handleMessage)
	mux.HandleFunc("/api/v1/stories", s.handleStories)

	if s.gateway != nil {
		mux.Handle("/ws", s.gateway)
		s.logger.Info("websocket gateway registered")
	}

	s.httpManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		MaxConnections:  s.cfg.Server.MaxConnections,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// inboundMessage is the wire shape of one user turn posted to the
// messages endpoint.
type inboundMessage struct {
	PlayerID    string               `json:"player_id"`
	RecipientID string               `json:"recipient_id,omitempty"`
	Type        string               `json:"type,omitempty"`
	Text        string               `json:"text,omitempty"`
	Intent      string               `json:"intent,omitempty"`
	Params      map[string]string    `json:"params,omitempty"`
	Location    *engine.UserLocation `json:"location,omitempty"`
	Attachment  *engine.Attachment   `json:"attachment,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if msg.PlayerID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}

	action, err := s.buildAction(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), msg.PlayerID, action); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrRateLimited):
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		case errors.Is(err, dispatch.ErrQueueFull):
			http.Error(w, "conversation queue full", http.StatusServiceUnavailable)
		default:
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": action.ID})
}

// buildAction maps an inbound message to an engine action.
func (s *Server) buildAction(msg inboundMessage) (*engine.Action, error) {
	recipient := msg.RecipientID
	if recipient == "" {
		recipient = s.cfg.Bot.BotID
	}

	switch msg.Type {
	case "", "sentence":
		action := engine.NewSentence(msg.PlayerID, recipient, msg.Text)
		// Upstream NLP may already have classified the sentence.
		action.State.IntentName = msg.Intent
		return action, nil
	case "choice":
		if msg.Intent == "" {
			return nil, fmt.Errorf("choice messages require an intent")
		}
		return engine.NewChoice(msg.PlayerID, recipient, msg.Intent, msg.Params), nil
	case "location":
		if msg.Location == nil {
			return nil, fmt.Errorf("location messages require a location")
		}
		return engine.NewLocation(msg.PlayerID, recipient, *msg.Location), nil
	case "attachment":
		if msg.Attachment == nil {
			return nil, fmt.Errorf("attachment messages require an attachment")
		}
		return engine.NewAttachment(msg.PlayerID, recipient, *msg.Attachment), nil
	default:
		return nil, fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type storyView struct {
		ID             string   `json:"id"`
		StarterIntents []string `json:"starter_intents"`
		Intents        []string `json:"intents,omitempty"`
		Steps          []string `json:"steps,omitempty"`
	}

	defs := s.currentPipeline().index.Stories()
	views := make([]storyView, 0, len(defs))
	for _, def := range defs {
		v := storyView{
			ID:             def.ID,
			StarterIntents: def.StarterIntents,
			Intents:        def.Intents,
		}
		for _, step := range def.Steps {
			v.Steps = append(v.Steps, step.Name)
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.redisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// WaitForShutdown blocks until a shutdown signal, then stops everything.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops intake, drains in-flight turns and closes every
// collaborator.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.watchCancel != nil {
		s.watchCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Close(); err != nil {
			s.logger.Error("dispatcher shutdown error", zap.Error(err))
		}
	}

	if s.gateway != nil {
		s.gateway.Close()
	}
	if s.redisTransport != nil {
		if err := s.redisTransport.Close(); err != nil {
			s.logger.Error("redis transport shutdown error", zap.Error(err))
		}
	}

	if s.stories != nil {
		if err := s.stories.Close(); err != nil {
			s.logger.Error("story store shutdown error", zap.Error(err))
		}
	}
	if s.timelines != nil {
		if err := s.timelines.Close(); err != nil {
			s.logger.Error("timeline store shutdown error", zap.Error(err))
		}
	}
	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			s.logger.Error("mongo shutdown error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		// The redis timeline store closes the shared client itself.
		if err := s.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			s.logger.Error("redis shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// callbackConnector delivers outbound actions as JSON POSTs to the
// configured callback URL. Without a URL it only logs them, which is
// enough for a routing core whose real channel connectors run as
// separate services.
type callbackConnector struct {
	botID       string
	locale      string
	callbackURL string
	client      *http.Client
	logger      *zap.Logger
}

func newCallbackConnector(cfg config.BotConfig, logger *zap.Logger) *callbackConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &callbackConnector{
		botID:       cfg.BotID,
		locale:      cfg.DefaultLocale,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger.With(zap.String("component", "callback_connector")),
	}
}

func (c *callbackConnector) ConnectorType() string { return "rest" }

func (c *callbackConnector) LoadProfile(ctx context.Context, userID string) (*engine.Profile, error) {
	// The REST surface carries no profile source; users keep the bot's
	// default locale until a richer connector provides one.
	return &engine.Profile{Locale: c.locale}, nil
}

func (c *callbackConnector) RefreshProfile(ctx context.Context, userID string) (*engine.Profile, error) {
	return nil, nil
}

func (c *callbackConnector) StartTyping(ctx context.Context, action *engine.Action) error {
	return nil
}

func (c *callbackConnector) Send(ctx context.Context, action *engine.Action) error {
	if c.callbackURL == "" {
		c.logger.Info("outbound action",
			zap.String("recipient", action.RecipientID),
			zap.String("kind", action.Kind.String()),
			zap.String("text", action.Text),
		)
		return nil
	}

	body, err := json.Marshal(action)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

var _ engine.ConnectorCapability = (*callbackConnector)(nil)

// passthroughParser trusts the intent classification carried on the
// action when present and otherwise matches the text against known
// intent names. Deployments with real NLP swap in their own parser via
// the library API.
type passthroughParser struct{}

func (passthroughParser) Parse(ctx context.Context, action *engine.Action, timeline *engine.UserTimeline, dialog *engine.Dialog, connector engine.ConnectorCapability, index *engine.BotDefinitionIndex) error {
	if action.State.IntentName != "" {
		return nil
	}
	action.State.IntentName = index.FindIntent(action.Text)
	return nil
}

func (passthroughParser) MarkAsUnknown(ctx context.Context, action *engine.Action, timeline *engine.UserTimeline, index *engine.BotDefinitionIndex) {
}

var _ engine.IntentParser = passthroughParser{}
