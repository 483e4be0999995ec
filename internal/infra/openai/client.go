package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/insight-engine/internal/core/billing"
	"github.com/jinford/insight-engine/internal/core/insight"
)

const (
	// ProviderName はこのクライアントのプロバイダ識別子
	ProviderName = "openai"

	// DefaultTimeout は非ストリーミング呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// DefaultStreamTimeout はストリーミング呼び出し全体のタイムアウト
	DefaultStreamTimeout = 5 * time.Minute

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Client は OpenAI API を使用した LLM クライアント実装
type Client struct {
	client        openai.Client
	timeout       time.Duration
	streamTimeout time.Duration
}

// ClientOption は Client のオプション設定
type ClientOption func(*Client)

// WithTimeout は非ストリーミング呼び出しのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithStreamTimeout はストリーミング呼び出しのタイムアウトを設定する
func WithStreamTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.streamTimeout = timeout
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	c := &Client{
		client:        openai.NewClient(option.WithAPIKey(apiKey)),
		timeout:       DefaultTimeout,
		streamTimeout: DefaultStreamTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat は単発のチャット補完を実行する
func (c *Client) Chat(ctx context.Context, req insight.ChatRequest) (insight.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := buildParams(req)

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * BaseBackoff
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
			select {
			case <-ctx.Done():
				return insight.ChatResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isModelUnavailableError(err) {
				return insight.ChatResponse{}, fmt.Errorf("%w: %s", insight.ErrModelUnavailable, req.Model)
			}
			if isRateLimitError(err) {
				continue
			}
			return insight.ChatResponse{}, fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return insight.ChatResponse{}, fmt.Errorf("no completion choices returned")
		}

		return insight.ChatResponse{
			Content: completion.Choices[0].Message.Content,
			Usage: billing.TokenUsage{
				PromptTokens:     int(completion.Usage.PromptTokens),
				CompletionTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:      int(completion.Usage.TotalTokens),
			},
			Model:        string(completion.Model),
			Provider:     ProviderName,
			ConnectionID: completion.ID,
		}, nil
	}

	return insight.ChatResponse{}, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// ChatStream はストリーミングのチャット補完を開始する。
// 返却されるストリームの Close はタイムアウト用コンテキストも解放する。
func (c *Client) ChatStream(ctx context.Context, req insight.ChatRequest) (insight.ChatStream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)

	params := buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	return &chatStream{stream: stream, cancel: cancel}, nil
}

// chatStream は openai の ssestream を insight.ChatStream に適合させる
type chatStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	cancel  context.CancelFunc
	current insight.ChatChunk
}

func (s *chatStream) Next() bool {
	if !s.stream.Next() {
		return false
	}

	chunk := s.stream.Current()
	current := insight.ChatChunk{
		Provider:     ProviderName,
		ConnectionID: chunk.ID,
	}
	if len(chunk.Choices) > 0 {
		current.Delta = chunk.Choices[0].Delta.Content
	}
	if chunk.Usage.TotalTokens > 0 {
		current.Usage = billing.TokenUsage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	s.current = current
	return true
}

func (s *chatStream) Current() insight.ChatChunk {
	return s.current
}

func (s *chatStream) Err() error {
	return s.stream.Err()
}

func (s *chatStream) Close() error {
	defer s.cancel()
	return s.stream.Close()
}

// buildParams は insight.ChatRequest をOpenAI APIパラメータに変換する
func buildParams(req insight.ChatRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.ResponseFormat == "json" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	return params
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// isModelUnavailableError はモデル未提供エラーを判定する
func isModelUnavailableError(err error) bool {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 404 {
		return true
	}
	return strings.Contains(apiErr.Code, "model_not_found")
}

// インターフェース実装の確認
var _ insight.LLMClient = (*Client)(nil)
