// Package llm wraps the external vision and image-edit capabilities.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
)

const (
	defaultVisionModel  = "gpt-4o-mini"
	defaultInpaintModel = openai.CreateImageModelDallE2
	defaultTimeout      = 90 * time.Second
)

// ClientConfig holds connection settings for a capability client
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func newOpenAIClient(cfg ClientConfig) (*openai.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.ConfigError("API key is required", nil)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		oc.HTTPClient = &http.Client{Timeout: timeout}
	}
	return openai.NewClientWithConfig(oc), nil
}

// VisionClient sends page images to a chat model and returns its reply
type VisionClient struct {
	client *openai.Client
	model  string
	retry  RetryPolicy
	codec  pagestore.BlobCodec
	logger *domain.Logger
}

// NewVisionClient creates a new extraction capability client
func NewVisionClient(cfg ClientConfig, retry RetryPolicy, logger *domain.Logger) (*VisionClient, error) {
	client, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = domain.DefaultLogger
	}

	model := cfg.Model
	if model == "" {
		model = defaultVisionModel
	}

	return &VisionClient{
		client: client,
		model:  model,
		retry:  retry,
		codec:  pagestore.DefaultBlobCodec(),
		logger: logger.WithPrefix("vision"),
	}, nil
}

// ExtractPage implements domain.VisionCapability
func (c *VisionClient) ExtractPage(ctx context.Context, image domain.PageImage, prompt string) (string, error) {
	req, err := c.buildRequest(image, prompt)
	if err != nil {
		return "", err
	}

	var reply string
	err = c.retry.Do(ctx, c.logger, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices in response: %w", ErrUnusableReply)
		}
		reply = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("page %d: received %d characters", image.Page+1, len(reply))
	return reply, nil
}

// buildRequest constructs the chat request with the image attached
func (c *VisionClient) buildRequest(image domain.PageImage, prompt string) (openai.ChatCompletionRequest, error) {
	blob, err := c.codec.Encode(image)
	if err != nil {
		return openai.ChatCompletionRequest{}, domain.AnalysisError(image.Page, "encode page image", err)
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    string(blob),
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	}, nil
}
