// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/blob"
	"github.com/teradata-labs/weft/pkg/bus"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/llm/anthropic"
	"github.com/teradata-labs/weft/pkg/llm/bedrock"
	"github.com/teradata-labs/weft/pkg/llm/ollama"
	"github.com/teradata-labs/weft/pkg/mesh"
	"github.com/teradata-labs/weft/pkg/transport"
	ssetransport "github.com/teradata-labs/weft/pkg/transport/sse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Weft mesh server",
	Long: heredoc.Doc(`
		Start the Weft mesh server.

		The server will:
		- Initialize the configured LLM provider for planning and synthesis
		- Open the blob store backing the response cache and conversation memory
		- Wire the event bus, capability registry, correlation tracker, and
		  circuit breakers into a mesh
		- Serve the SSE agent bridge (/events, /publish) and /health over HTTP

		Press Ctrl+C to gracefully shutdown.
	`),
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	// Validate configuration
	if err := config.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	// Create production logger (stack traces only for ERROR level)
	zapConfig := zap.NewProductionConfig()
	if config.Logging.Format == "text" {
		zapConfig.Encoding = "console"
	}

	// Parse and set log level from config
	logLevel := zap.InfoLevel // default
	if config.Logging.Level != "" {
		if err := logLevel.UnmarshalText([]byte(config.Logging.Level)); err != nil {
			log.Printf("Invalid log level %q, using INFO: %v", config.Logging.Level, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(logLevel)

	// Configure log output file if specified
	if config.Logging.File != "" {
		zapConfig.OutputPaths = []string{config.Logging.File}
		zapConfig.ErrorOutputPaths = []string{config.Logging.File}
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Weft Server", zap.String("version", rootCmd.Version))

	// Show actual config file used (not just the --config flag)
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		logger.Info("Config file loaded", zap.String("path", configFileUsed))
	} else {
		logger.Info("No config file found", zap.String("searched", "$WEFT_DATA_DIR/wefts.yaml, ./wefts.yaml, /etc/weft/wefts.yaml"))
		logger.Info("Using defaults + environment variables")
	}

	// Open the blob store backing cache persistence and conversation memory
	store, err := buildStore(context.Background(), config)
	if err != nil {
		logger.Fatal("Failed to open blob store", zap.Error(err))
	}
	logger.Info("Blob store ready",
		zap.String("backend", config.Storage.Backend),
		zap.String("path", config.Storage.Path))

	// Initialize the LLM provider
	provider, err := buildProvider(config)
	if err != nil {
		logger.Fatal("Failed to initialize LLM provider", zap.Error(err))
	}
	logger.Info("LLM provider ready",
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()))

	// Assemble the mesh. When the HTTP server is enabled, the SSE bridge is
	// built around the mesh's bus and mounted on the outer mux below.
	meshCfg := buildMeshConfig(config, logger, provider, store)

	var bridge *ssetransport.Bridge
	if config.Server.HTTPPort > 0 {
		meshCfg.Transport = func(b *bus.MessageBus) (transport.AgentTransport, error) {
			br, err := ssetransport.New(ssetransport.Config{
				Bus:    b,
				Logger: logger,
			})
			if err != nil {
				return nil, err
			}
			bridge = br
			return br, nil
		}
	}

	m, err := mesh.New(meshCfg)
	if err != nil {
		logger.Fatal("Failed to build mesh", zap.Error(err))
	}
	if err := m.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start mesh", zap.Error(err))
	}

	// Serve the agent bridge and health endpoint
	var httpSrv *http.Server
	if config.Server.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/", bridge.Handler())
		mux.HandleFunc("/health", healthHandler(m))

		addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.HTTPPort)
		httpSrv = &http.Server{Addr: addr, Handler: mux}

		go func() {
			logger.Info("Starting HTTP/SSE server", zap.String("address", addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", zap.Error(err))
			}
		}()

		logger.Info("HTTP endpoints available",
			zap.String("sse_endpoint", fmt.Sprintf("http://%s/events", addr)),
			zap.String("publish_endpoint", fmt.Sprintf("http://%s/publish", addr)),
			zap.String("health_endpoint", fmt.Sprintf("http://%s/health", addr)))
	} else {
		logger.Info("HTTP server disabled (http_port=0); remote agents cannot attach")
	}

	logger.Info("Ready to weave!")

	// Handle graceful shutdown
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	<-sigch
	logger.Info("Shutting down gracefully... (press Ctrl+C again to force)")

	// Listen for second Ctrl+C (force shutdown)
	go func() {
		<-sigch
		logger.Warn("Force shutdown requested")
		os.Exit(1)
	}()

	// Stop HTTP server first so no new remote traffic arrives
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("Error stopping HTTP server", zap.Error(err))
		} else {
			logger.Info("HTTP server stopped")
		}
	}

	// Stop the mesh (drains the bus, closes cache/memory/tracker/registry)
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if err := m.Stop(stopCtx); err != nil {
		logger.Warn("Error stopping mesh", zap.Error(err))
	} else {
		logger.Info("Mesh stopped")
	}

	// The mesh borrows the store; serve owns closing it
	if err := store.Close(); err != nil {
		logger.Warn("Error closing blob store", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

// buildStore opens the configured blob store backend.
func buildStore(ctx context.Context, config *Config) (blob.Store, error) {
	switch config.Storage.Backend {
	case "memory":
		return blob.NewMemoryStore(), nil

	case "fs":
		return blob.NewFSStore(config.Storage.Path)

	case "sqlite":
		return blob.NewSQLiteStore(config.Storage.Path)

	case "redis":
		return blob.NewRedisStore(ctx, blob.RedisConfig{
			Addr:     config.Storage.RedisAddr,
			Password: config.Storage.RedisPassword,
			DB:       config.Storage.RedisDB,
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", config.Storage.Backend)
	}
}

// buildProvider constructs the configured LLM binding.
func buildProvider(config *Config) (llm.Provider, error) {
	timeout := time.Duration(config.LLM.Timeout) * time.Second

	switch config.LLM.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:      config.LLM.AnthropicAPIKey,
			Model:       config.LLM.AnthropicModel,
			MaxTokens:   config.LLM.MaxTokens,
			Temperature: config.LLM.Temperature,
			Timeout:     timeout,
		}), nil

	case "bedrock":
		return bedrock.NewClient(bedrock.Config{
			ModelID:         config.LLM.BedrockModelID,
			Region:          config.LLM.BedrockRegion,
			AccessKeyID:     config.LLM.BedrockAccessKeyID,
			SecretAccessKey: config.LLM.BedrockSecretAccessKey,
			SessionToken:    config.LLM.BedrockSessionToken,
			Profile:         config.LLM.BedrockProfile,
			MaxTokens:       config.LLM.MaxTokens,
			Temperature:     config.LLM.Temperature,
		})

	case "ollama":
		return ollama.NewClient(ollama.Config{
			Endpoint:    config.LLM.OllamaEndpoint,
			Model:       config.LLM.OllamaModel,
			MaxTokens:   config.LLM.MaxTokens,
			Temperature: config.LLM.Temperature,
			Timeout:     timeout,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", config.LLM.Provider)
	}
}

// buildMeshConfig maps the process config onto the mesh component knobs.
// Zero values pass through so component defaults still apply.
func buildMeshConfig(config *Config, logger *zap.Logger, provider llm.Provider, store blob.Store) mesh.Config {
	cfg := mesh.Config{
		Provider:           provider,
		Store:              store,
		VocabularyPath:     config.Routing.VocabularyPath,
		MaxConcurrentTurns: config.Mesh.MaxConcurrentTurns,
		Logger:             logger,
	}

	cfg.Bus.Workers = config.Mesh.Bus.Workers
	cfg.Bus.QueueSize = config.Mesh.Bus.QueueSize
	cfg.Bus.DrainGrace = seconds(config.Mesh.Bus.DrainGraceSeconds)

	cfg.Registry.SweepInterval = seconds(config.Mesh.Registry.SweepIntervalSeconds)
	cfg.Registry.StaleTimeout = seconds(config.Mesh.Registry.StaleTimeoutSeconds)

	cfg.Tracker.DefaultTimeout = seconds(config.Mesh.Correlation.DefaultTimeoutSeconds)
	cfg.Tracker.CleanupInterval = seconds(config.Mesh.Correlation.CleanupIntervalSeconds)
	cfg.Tracker.MaxAge = seconds(config.Mesh.Correlation.MaxAgeSeconds)
	cfg.Tracker.Grace = seconds(config.Mesh.Correlation.GraceSeconds)

	cfg.Breakers.FailureThreshold = config.Mesh.Breaker.FailureThreshold
	cfg.Breakers.Cooldown = seconds(config.Mesh.Breaker.CooldownSeconds)

	cfg.Retry.MaxRetries = config.Mesh.Retry.MaxRetries
	cfg.Retry.Delay = time.Duration(config.Mesh.Retry.DelayMs) * time.Millisecond

	cfg.Cache.Capacity = config.Mesh.Cache.Capacity
	cfg.Cache.TTL = seconds(config.Mesh.Cache.TTLSeconds)
	cfg.Cache.SweepInterval = seconds(config.Mesh.Cache.SweepIntervalSeconds)
	cfg.Cache.CompressionThreshold = config.Mesh.Cache.CompressionThreshold

	cfg.Memory.ContextWindowSize = config.Mesh.Memory.ContextWindowSize
	cfg.Memory.SessionTimeout = seconds(config.Mesh.Memory.SessionTimeoutSeconds)
	cfg.Memory.MaxMessages = config.Mesh.Memory.MaxMessages
	cfg.Memory.Retention = seconds(config.Mesh.Memory.RetentionSeconds)

	cfg.Orchestrator.MaxRepromptAttempts = config.Mesh.Orchestrator.MaxRepromptAttempts
	cfg.Orchestrator.PlanningTimeout = seconds(config.Mesh.Orchestrator.PlanningTimeoutSeconds)
	cfg.Orchestrator.TurnTimeout = seconds(config.Mesh.Orchestrator.TurnTimeoutSeconds)
	cfg.Orchestrator.TaskTimeout = seconds(config.Mesh.Orchestrator.TaskTimeoutSeconds)
	cfg.Orchestrator.ContextWindow = config.Mesh.Orchestrator.ContextWindow
	cfg.Orchestrator.ConfidenceThreshold = config.Mesh.Orchestrator.ConfidenceThreshold

	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// healthHandler serves the mesh health snapshot as JSON. Degraded health
// answers 503 so load balancers can route around this node.
func healthHandler(m *mesh.Mesh) http.HandlerFunc {
	type agentHealth struct {
		AgentID             string    `json:"agentId"`
		AgentType           string    `json:"agentType"`
		Status              string    `json:"status"`
		Breaker             string    `json:"breaker"`
		LastHeartbeat       time.Time `json:"lastHeartbeat"`
		HeartbeatAgeSeconds float64   `json:"heartbeatAgeSeconds"`
	}
	type healthResponse struct {
		Status string        `json:"status"`
		Agents []agentHealth `json:"agents"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		h := m.Health()
		resp := healthResponse{
			Status: h.Status,
			Agents: make([]agentHealth, 0, len(h.Agents)),
		}
		for _, a := range h.Agents {
			resp.Agents = append(resp.Agents, agentHealth{
				AgentID:             a.AgentID,
				AgentType:           a.AgentType,
				Status:              a.Status.String(),
				Breaker:             a.Breaker.String(),
				LastHeartbeat:       a.LastHeartbeat,
				HeartbeatAgeSeconds: a.HeartbeatAge.Seconds(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
