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
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	weftconfig "github.com/teradata-labs/weft/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Weft Server configuration",
	Long:  `Manage configuration files and secrets for Weft Server.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate example configuration file",
	Long:  `Generate an example wefts.yaml configuration file in ~/.weft/`,
	Run:   runConfigInit,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [key-name]",
	Short: "Save API key to system keyring",
	Long: heredoc.Doc(`
		Save an API key to the system keyring securely.

		The key will be stored in your system's secure credential storage
		(Keychain on macOS, Credential Manager on Windows, Secret Service on Linux).

		Run 'wefts config list-keys' to see available key names.
	`),
	Args: cobra.ExactArgs(1),
	Run:  runConfigSetKey,
}

var configGetKeyCmd = &cobra.Command{
	Use:   "get-key [key-name]",
	Short: "Retrieve API key from system keyring",
	Long:  `Retrieve an API key from the system keyring (for verification).`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigGetKey,
}

var configDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key [key-name]",
	Short: "Delete API key from system keyring",
	Long:  `Remove an API key from the system keyring.`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigDeleteKey,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration (merged from all sources).`,
	Run:   runConfigShow,
}

var configListKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "List available secret keys",
	Long:  `List all available secret keys that can be stored in the keyring.`,
	Run:   runConfigListKeys,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configGetKeyCmd)
	configCmd.AddCommand(configDeleteKeyCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListKeysCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	configDir := weftconfig.GetWeftDataDir()
	configPath := filepath.Join(configDir, "wefts.yaml")

	// Create directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists: %s\n", configPath)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	// Interactive configuration
	fmt.Println("Weft Configuration Setup")
	fmt.Println("========================")
	fmt.Println()

	// Ask for LLM provider
	fmt.Println("Choose your LLM provider:")
	fmt.Println("  1. Ollama (local inference, free)")
	fmt.Println("  2. Anthropic Claude (API key required)")
	fmt.Println("  3. AWS Bedrock (AWS credentials required)")
	fmt.Print("Selection (1-3) [1]: ")
	var providerChoice string
	_, _ = fmt.Scanln(&providerChoice)
	if providerChoice == "" {
		providerChoice = "1"
	}

	llmProvider := "ollama"
	switch providerChoice {
	case "2":
		llmProvider = "anthropic"
	case "3":
		llmProvider = "bedrock"
	}

	// Generate customized config
	configContent := generateCustomConfig(llmProvider)

	// Write config
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("✓ Config file created: %s\n", configPath)
	fmt.Println("\nNext steps:")

	switch llmProvider {
	case "ollama":
		fmt.Println("1. Ensure Ollama is running:")
		fmt.Println("   ollama serve")
		fmt.Println("   ollama pull gemma:2b")
	case "anthropic":
		fmt.Println("1. Save your Anthropic API key:")
		fmt.Println("   wefts config set-key anthropic_api_key")
	case "bedrock":
		fmt.Println("1. Configure AWS credentials (choose one method):")
		fmt.Println("   Option A - AWS Profile/SSO:")
		fmt.Println("     aws configure  # or set AWS_PROFILE environment variable")
		fmt.Println("   Option B - Direct credentials (stored in keyring):")
		fmt.Println("     wefts config set-key bedrock_access_key_id")
		fmt.Println("     wefts config set-key bedrock_secret_access_key")
	}

	fmt.Println("2. Start the server:")
	fmt.Println("   wefts serve")
}

// generateCustomConfig returns the example config with the chosen provider
// selected. The example ships with ollama; other providers swap the line.
func generateCustomConfig(llmProvider string) string {
	content := GenerateExampleConfig()
	if llmProvider != "ollama" {
		content = strings.Replace(content, "provider: ollama", "provider: "+llmProvider, 1)
	}
	return content
}

func runConfigSetKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	// Validate key name using extensible mapping
	availableKeys := ListAvailableSecretKeys()
	validKeys := make(map[string]bool)
	for _, k := range availableKeys {
		validKeys[k] = true
	}

	if !validKeys[keyName] {
		fmt.Fprintf(os.Stderr, "Invalid key name: %s\n", keyName)
		fmt.Fprintf(os.Stderr, "Available keys:\n")
		for _, k := range availableKeys {
			fmt.Fprintf(os.Stderr, "  - %s\n", k)
		}
		os.Exit(1)
	}

	// Read secret from stdin (without echo)
	fmt.Printf("Enter %s (input hidden): ", keyName)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // New line after hidden input
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	secret := string(secretBytes)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Secret cannot be empty\n")
		os.Exit(1)
	}

	// Save to keyring
	if err := keyring.Set(ServiceName, keyName, secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving to keyring: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Saved %s to system keyring\n", keyName)
}

func runConfigGetKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	secret, err := keyring.Get(ServiceName, keyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving key: %v\n", err)
		fmt.Fprintf(os.Stderr, "Key not found in keyring. Set it with: wefts config set-key %s\n", keyName)
		os.Exit(1)
	}

	// Show partially masked
	masked := maskSecret(secret)
	fmt.Printf("%s: %s\n", keyName, masked)
}

func runConfigDeleteKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	if err := keyring.Delete(ServiceName, keyName); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Deleted %s from system keyring\n", keyName)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Println("Server:")
	fmt.Printf("  Host: %s\n", config.Server.Host)
	fmt.Printf("  HTTP Port: %d\n", config.Server.HTTPPort)
	fmt.Println()

	fmt.Println("LLM:")
	fmt.Printf("  Provider: %s\n", config.LLM.Provider)
	switch config.LLM.Provider {
	case "anthropic":
		fmt.Printf("  Model: %s\n", config.LLM.AnthropicModel)
		if config.LLM.AnthropicAPIKey != "" {
			fmt.Printf("  API Key: %s\n", maskSecret(config.LLM.AnthropicAPIKey))
		} else {
			fmt.Printf("  API Key: (not set)\n")
		}
	case "bedrock":
		fmt.Printf("  Model: %s\n", config.LLM.BedrockModelID)
		fmt.Printf("  Region: %s\n", config.LLM.BedrockRegion)
		if config.LLM.BedrockProfile != "" {
			fmt.Printf("  Profile: %s\n", config.LLM.BedrockProfile)
		}
	case "ollama":
		fmt.Printf("  Endpoint: %s\n", config.LLM.OllamaEndpoint)
		fmt.Printf("  Model: %s\n", config.LLM.OllamaModel)
	}
	fmt.Printf("  Temperature: %.1f\n", config.LLM.Temperature)
	fmt.Printf("  Max Tokens: %d\n", config.LLM.MaxTokens)
	fmt.Println()

	fmt.Println("Storage:")
	fmt.Printf("  Backend: %s\n", config.Storage.Backend)
	switch config.Storage.Backend {
	case "redis":
		fmt.Printf("  Redis Addr: %s\n", config.Storage.RedisAddr)
		fmt.Printf("  Redis DB: %d\n", config.Storage.RedisDB)
	case "memory":
		// Nothing further to show
	default:
		fmt.Printf("  Path: %s\n", config.Storage.Path)
	}
	fmt.Println()

	fmt.Println("Routing:")
	if config.Routing.VocabularyPath != "" {
		fmt.Printf("  Vocabulary: %s\n", config.Routing.VocabularyPath)
	} else {
		fmt.Printf("  Vocabulary: (built-in)\n")
	}
	fmt.Println()

	fmt.Println("Logging:")
	fmt.Printf("  Level: %s\n", config.Logging.Level)
	fmt.Printf("  Format: %s\n", config.Logging.Format)
}

func runConfigListKeys(cmd *cobra.Command, args []string) {
	keys := ListAvailableSecretKeys()
	fmt.Println("Available secret keys:")
	fmt.Println("======================")
	for _, key := range keys {
		fmt.Printf("  - %s\n", key)
	}
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wefts config set-key <key-name>")
	fmt.Println("  wefts config get-key <key-name>")
	fmt.Println("  wefts config delete-key <key-name>")
}

// maskSecret masks a secret for display.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
