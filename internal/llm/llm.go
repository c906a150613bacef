package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pavelanni/gradesheet/internal/feedback"
	"github.com/pavelanni/gradesheet/internal/llm/prompts"
)

// Suggestions is the number of improvement suggestions requested per question.
const Suggestions = 2

// Options tunes a Client. The zero value is usable.
type Options struct {
	Temperature float32
	// JSONMode asks the endpoint for a JSON object response. Not every
	// OpenAI-compatible server supports it.
	JSONMode bool
	// RatePerSecond paces requests; zero or less disables pacing.
	RatePerSecond float64
	// Prompt overrides the embedded grading prompt.
	Prompt *prompts.Template
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	prompt      *prompts.Template
	limiter     *rate.Limiter
	temperature float32
	jsonMode    bool
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts Options) (*Client, error) {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	prompt := opts.Prompt
	if prompt == nil {
		var err error
		if prompt, err = prompts.Default(); err != nil {
			return nil, err
		}
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &Client{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		prompt:      prompt,
		limiter:     rate.NewLimiter(limit, 1),
		temperature: opts.Temperature,
		jsonMode:    opts.JSONMode,
	}, nil
}

// Ping checks that the endpoint answers by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// GradeOne asks the model to score one student answer against the teacher's
// answer and returns the raw response text. It makes exactly one request.
func (c *Client) GradeOne(ctx context.Context, question, teacherAnswer, studentAnswer string) (string, error) {
	prompt, err := c.prompt.Build(buildGradeData(question, teacherAnswer, studentAnswer))
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
	}
	if c.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "question", question, "raw", raw)
	return raw, nil
}

func buildGradeData(question, teacherAnswer, studentAnswer string) prompts.GradeData {
	return prompts.GradeData{
		Question:        question,
		TeacherAnswer:   teacherAnswer,
		StudentAnswer:   studentAnswer,
		MaxGrade:        feedback.MaxGrade,
		MaxAccuracy:     feedback.MaxAccuracy,
		MaxRelevance:    feedback.MaxRelevance,
		MaxCompleteness: feedback.MaxCompleteness,
		Suggestions:     Suggestions,
	}
}

// IsTransient reports whether err looks like a temporary failure worth retrying:
// rate limiting, server errors and network timeouts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
