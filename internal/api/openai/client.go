package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultUserAgent = "staged-thinking-gateway/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is a custom HTTP client for the OpenAI API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new OpenAI API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// UserAgent is the User-Agent header to send with the request.
	// If set, it will be forwarded as-is to the upstream API.
	UserAgent string

	// Headers are added to the outgoing request after the defaults.
	Headers http.Header
}

// CreateChatCompletion sends a chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (*ChatCompletionResponse, error) {
	var result ChatCompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", req, opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateCompletion sends a legacy text completion request.
func (c *Client) CreateCompletion(ctx context.Context, req *CompletionRequest, opts *RequestOptions) (*CompletionResponse, error) {
	var result CompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/completions", req, opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamResult wraps a chunk or error from streaming.
type StreamResult struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// CompletionStreamResult wraps a text completion chunk or error from streaming.
type CompletionStreamResult struct {
	Chunk *CompletionResponse
	Err   error
}

// StreamChatCompletion sends a streaming chat completion request and returns a channel of chunks.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (<-chan StreamResult, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	body, err := c.openStream(ctx, "/chat/completions", req, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	go func() {
		defer close(out)
		readEvents(body, func(chunk *ChatCompletionChunk, err error) {
			out <- StreamResult{Chunk: chunk, Err: err}
		})
	}()
	return out, nil
}

// StreamCompletion sends a streaming text completion request and returns a channel of chunks.
func (c *Client) StreamCompletion(ctx context.Context, req *CompletionRequest, opts *RequestOptions) (<-chan CompletionStreamResult, error) {
	req.Stream = true

	body, err := c.openStream(ctx, "/completions", req, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan CompletionStreamResult)
	go func() {
		defer close(out)
		readEvents(body, func(chunk *CompletionResponse, err error) {
			out <- CompletionStreamResult{Chunk: chunk, Err: err}
		})
	}()
	return out, nil
}

// ListModels retrieves the list of available models.
func (c *Client) ListModels(ctx context.Context, opts *RequestOptions) (*ModelList, error) {
	var result ModelList
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, opts *RequestOptions, out any) error {
	resp, err := c.send(ctx, method, path, payload, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return responseError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) openStream(ctx context.Context, path string, payload any, opts *RequestOptions) (io.ReadCloser, error) {
	resp, err := c.send(ctx, http.MethodPost, path, payload, opts)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, responseError(resp.StatusCode, respBody)
	}
	return resp.Body, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload any, opts *RequestOptions) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func responseError(status int, body []byte) error {
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil {
		canonical := apiErr.ToCanonical()
		canonical.StatusCode = status
		return canonical
	}
	return fmt.Errorf("API error (status %d): %s", status, string(body))
}

// readEvents decodes "data:" lines of a server-sent event stream until [DONE].
func readEvents[T any](body io.ReadCloser, emit func(*T, error)) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk T
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(nil, fmt.Errorf("failed to unmarshal chunk: %w", err))
			return
		}
		emit(&chunk, nil)
	}

	if err := scanner.Err(); err != nil {
		emit(nil, fmt.Errorf("stream read error: %w", err))
	}
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// Set User-Agent - forward the incoming user agent if provided
	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	if opts != nil {
		for name, values := range opts.Headers {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
	}
}
