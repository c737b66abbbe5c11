package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/attachment"
	"github.com/comigor/kolamchat/internal/config"
	"github.com/comigor/kolamchat/internal/logger"
)

// analysisPrompt asks for the canonical flat record.
const analysisPrompt = `Analyze this kolam image. Reply with a single JSON object with exactly these keys:
"dot_count" (integer), "line_count" (integer), "symmetry_score" (number between 0 and 1),
"grid_pattern" (short label such as "5x5 square"), "features" (array of short strings),
"interpretation" (a few sentences on the design and its cultural meaning),
"rotational_symmetry_fold" (integer), "closed_loops" (integer), "region" (string).`

// NewOpenAI creates an OpenAI client for an OpenAI-compatible endpoint.
func NewOpenAI(cfg config.LLMConfig) *openai.Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(c)
}

// Client answers turns with a vision-capable chat model. It implements
// analysis.Client with one completion per call.
type Client struct {
	api          ChatCompleter
	model        string
	systemPrompt string
}

var _ analysis.Client = (*Client)(nil)

// New wraps api using the model and system prompt from cfg.
func New(api ChatCompleter, cfg config.LLMConfig) *Client {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = config.DefaultSystemPrompt
	}
	return &Client{api: api, model: cfg.Model, systemPrompt: prompt}
}

// Send asks the model about the turn. An attachment travels as an image_url part.
func (c *Client) Send(ctx context.Context, turn analysis.Turn) analysis.Outcome {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			userMessage(turn.Text, turn.Attachment),
		},
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return analysis.Failure(err)
	}
	return analysis.Success(content, nil)
}

// AnalyzeImage asks for a JSON record and validates it like the backend reply.
func (c *Client) AnalyzeImage(ctx context.Context, img *attachment.Image) analysis.Outcome {
	if img == nil {
		return analysis.Failure(analysis.NewError(analysis.KindInvalidAttachment, "no image to analyze", attachment.ErrInvalidAttachment))
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			userMessage(analysisPrompt, img),
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return analysis.Failure(err)
	}

	body, err := withOriginalImage(content, img.Preview())
	if err != nil {
		return analysis.Failure(err)
	}
	rec, err := analysis.DecodeRecord(body)
	if err != nil {
		logger.FromContext(ctx).Warn("unusable model analysis", "error", err)
		return analysis.Failure(err)
	}
	return analysis.Success(rec.Summary(), rec)
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	log := logger.FromContext(ctx)
	log.Debug("llm request", "model", req.Model, "messages", len(req.Messages))

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Warn("llm call failed", "error", err)
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", analysis.NewError(analysis.KindMalformed, "no choices in completion", nil)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", analysis.NewError(analysis.KindMalformed, "empty completion", nil)
	}
	log.Debug("llm response", "finish_reason", resp.Choices[0].FinishReason)
	return content, nil
}

func userMessage(text string, img *attachment.Image) openai.ChatCompletionMessage {
	if img == nil {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}
	var parts []openai.ChatMessagePart
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: img.Preview(), Detail: openai.ImageURLDetailAuto},
	})
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// withOriginalImage fills in original_image, which a model cannot echo back.
func withOriginalImage(content, preview string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return nil, analysis.NewError(analysis.KindMalformed, "completion is not a JSON object", err)
	}
	if _, ok := obj["original_image"]; !ok {
		raw, err := json.Marshal(preview)
		if err != nil {
			return nil, analysis.NewError(analysis.KindMalformed, "encode original image", err)
		}
		obj["original_image"] = raw
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, analysis.NewError(analysis.KindMalformed, "re-encode completion", err)
	}
	return body, nil
}

// classify maps go-openai errors onto failure kinds.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &analysis.Error{Kind: analysis.KindDomain, Message: apiErr.Message, Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &analysis.Error{Kind: analysis.KindTransport, Message: "llm request failed", Status: reqErr.HTTPStatusCode, Err: err}
	}
	return analysis.NewError(analysis.KindTransport, "llm request failed", err)
}
