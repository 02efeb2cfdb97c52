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

// Package bedrock binds llm.Provider to Claude models on AWS Bedrock. The
// Anthropic SDK's bedrock adapter handles SigV4 signing and endpoint
// resolution, so the binding only assembles the AWS credential chain.
package bedrock

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/teradata-labs/weft/pkg/llm"
)

const (
	// DefaultModelID uses Claude Sonnet 4.5 with the cross-region inference
	// profile (us.* prefix).
	DefaultModelID = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	// DefaultRegion is where the inference profile is provisioned.
	DefaultRegion = "us-west-2"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTemperature is the default sampling temperature.
	DefaultTemperature = 1.0
)

// Client calls Claude on Bedrock through the Anthropic SDK.
type Client struct {
	client      anthropic.Client
	modelID     string
	region      string
	maxTokens   int
	temperature float64
}

// Config holds configuration for the Bedrock client. When no explicit
// credentials or profile are set, the default AWS chain applies (environment,
// shared config, IAM role).
type Config struct {
	ModelID         string  // Default: us.anthropic.claude-sonnet-4-5-20250929-v1:0
	Region          string  // Default: us-west-2
	AccessKeyID     string  // Optional: explicit credentials
	SecretAccessKey string  // Optional: explicit credentials
	SessionToken    string  // Optional: for temporary credentials
	Profile         string  // Optional: named profile from ~/.aws/config
	MaxTokens       int     // Default: 4096
	Temperature     float64 // Default: 1.0
}

// NewClient creates a Bedrock client. Environment variables override the
// built-in defaults for model and region.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ModelID == "" {
		if envModel := os.Getenv("AWS_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else if envModel := os.Getenv("WEFT_LLM_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else {
			cfg.ModelID = DefaultModelID
		}
	}
	if cfg.Region == "" {
		if envRegion := os.Getenv("AWS_DEFAULT_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else if envRegion := os.Getenv("WEFT_LLM_BEDROCK_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else {
			cfg.Region = DefaultRegion
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	var awsCfg aws.Config
	var err error

	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	case cfg.Profile != "":
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithSharedConfigProfile(cfg.Profile),
		)
	default:
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		client:      anthropic.NewClient(bedrock.WithConfig(awsCfg)),
		modelID:     cfg.ModelID,
		region:      cfg.Region,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "bedrock"
}

// Model returns the default model identifier.
func (c *Client) Model() string {
	return c.modelID
}

// Region returns the AWS region the client signs against.
func (c *Client) Region() string {
	return c.region
}

// Generate sends a single-turn message and returns the text completion.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.modelID
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelID),
		MaxTokens:   int64(llm.ParamInt(req.Params, "max_tokens", c.maxTokens)),
		Temperature: anthropic.Float(llm.ParamFloat(req.Params, "temperature", c.temperature)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, llm.WrapTransport("bedrock invocation failed", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return llm.Response{}, llm.InvalidOutput("bedrock returned no text content", nil)
	}

	respModel := string(message.Model)
	if respModel == "" {
		respModel = modelID
	}

	return llm.Response{
		Text:         text.String(),
		Model:        respModel,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// GenerateBatch issues the requests one at a time.
func (c *Client) GenerateBatch(ctx context.Context, reqs []llm.Request) ([]llm.Response, error) {
	return llm.GenerateSequential(ctx, c, reqs)
}

var _ llm.Provider = (*Client)(nil)
