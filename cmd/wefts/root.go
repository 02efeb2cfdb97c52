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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/weft/internal/version"
	weftconfig "github.com/teradata-labs/weft/pkg/config"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "wefts",
	Short:   "Weft Server - LLM-orchestrated agent mesh runtime",
	Long:    `Weft Server (wefts) runs an agent mesh: a wildcard pub/sub bus, a capability registry, and an LLM orchestrator that decomposes user requests into tasks, dispatches them to agents, and synthesises the replies.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Custom help template with Support at bottom
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}

Getting Started:
  wefts config init             Generate a wefts.yaml interactively
  wefts config set-key <name>   Store an API key in the system keyring
  wefts serve                   Start the mesh server

Support:
  GitHub: https://github.com/teradata-labs/weft/issues
  Documentation: https://github.com/teradata-labs/weft
`)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $WEFT_DATA_DIR/wefts.yaml)")

	// Server flags
	rootCmd.PersistentFlags().String("host", "0.0.0.0", "HTTP server host")
	rootCmd.PersistentFlags().Int("http-port", 7600, "HTTP/SSE server port (0=disabled)")

	// LLM flags
	rootCmd.PersistentFlags().String("llm-provider", "ollama", "LLM provider (anthropic, bedrock, ollama)")
	rootCmd.PersistentFlags().String("anthropic-key", "", "Anthropic API key (or use keyring/env)")
	rootCmd.PersistentFlags().String("anthropic-model", "claude-sonnet-4-5-20250929", "Anthropic model")
	rootCmd.PersistentFlags().String("ollama-endpoint", "http://localhost:11434", "Ollama endpoint")
	rootCmd.PersistentFlags().String("ollama-model", "gemma:2b", "Ollama model")
	rootCmd.PersistentFlags().Float64("temperature", 0.6, "LLM temperature")
	rootCmd.PersistentFlags().Int("max-tokens", 2048, "Maximum tokens per request")

	// Storage flags
	// GetWeftDataDir respects WEFT_DATA_DIR environment variable
	defaultDBPath := filepath.Join(weftconfig.GetWeftDataDir(), "weft.db")
	rootCmd.PersistentFlags().String("storage", "sqlite", "Blob store backend (memory, fs, sqlite, redis)")
	rootCmd.PersistentFlags().String("db", defaultDBPath, "SQLite database path (or fs root directory)")

	// Routing flags
	rootCmd.PersistentFlags().String("vocabulary", "", "Keyword routing vocabulary YAML (hot-reloaded)")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("server.http_port", rootCmd.PersistentFlags().Lookup("http-port"))

	_ = viper.BindPFlag("llm.provider", rootCmd.PersistentFlags().Lookup("llm-provider"))
	_ = viper.BindPFlag("llm.anthropic_api_key", rootCmd.PersistentFlags().Lookup("anthropic-key"))
	_ = viper.BindPFlag("llm.anthropic_model", rootCmd.PersistentFlags().Lookup("anthropic-model"))
	_ = viper.BindPFlag("llm.ollama_endpoint", rootCmd.PersistentFlags().Lookup("ollama-endpoint"))
	_ = viper.BindPFlag("llm.ollama_model", rootCmd.PersistentFlags().Lookup("ollama-model"))
	_ = viper.BindPFlag("llm.temperature", rootCmd.PersistentFlags().Lookup("temperature"))
	_ = viper.BindPFlag("llm.max_tokens", rootCmd.PersistentFlags().Lookup("max-tokens"))

	_ = viper.BindPFlag("storage.backend", rootCmd.PersistentFlags().Lookup("storage"))
	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("db"))

	_ = viper.BindPFlag("routing.vocabulary_path", rootCmd.PersistentFlags().Lookup("vocabulary"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
