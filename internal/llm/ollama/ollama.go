// Package ollama implements llm.Generator against a local Ollama server:
// streamed /api/chat, /api/tags model listing and the /api/show presence
// check.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/efebarandurmaz/docrag/internal/llm"
)

const (
	DefaultHost        = "http://localhost:11434"
	DefaultModel       = "llama3.1:8b"
	DefaultTimeout     = 600 * time.Second
	DefaultTemperature = 0.2
)

var (
	_ llm.Generator    = (*Client)(nil)
	_ llm.ModelCatalog = (*Client)(nil)
)

// Config configures a Client.
type Config struct {
	Host  string
	Model string
	// Timeout bounds a whole generation, including streaming the body.
	Timeout time.Duration
	// MetaTimeout bounds model listing and health probes.
	MetaTimeout time.Duration
}

// Client talks to one Ollama server.
type Client struct {
	host        string
	model       string
	timeout     time.Duration
	metaTimeout time.Duration
	http        *http.Client
}

// New creates a client. Zero fields take the package defaults.
func New(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MetaTimeout == 0 {
		cfg.MetaTimeout = 10 * time.Second
	}
	return &Client{
		host:        strings.TrimRight(cfg.Host, "/"),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		metaTimeout: cfg.MetaTimeout,
		http:        &http.Client{},
	}
}

func (c *Client) Name() string  { return "ollama" }
func (c *Client) Model() string { return c.model }
func (c *Client) Host() string  { return c.host }

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []llm.Message  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Chat posts to /api/chat with stream=true and returns the NDJSON body as a
// stream of message.content fragments.
func (c *Client) Chat(ctx context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (*llm.Stream, error) {
	model := c.model
	temperature := DefaultTemperature
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.Temperature != nil {
			temperature = *opts.Temperature
		}
	}

	data, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: prompt.ChatMessages(),
		Stream:   true,
		Options:  map[string]any{"temperature": temperature},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama chat: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return llm.NewStream(resp.Body, decodeChunk, cancel), nil
}

func decodeChunk(line []byte) (string, bool, error) {
	var chunk chatChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		// Proxies occasionally interleave non-JSON keepalive lines.
		return "", false, nil
	}
	if chunk.Error != "" {
		return "", true, fmt.Errorf("ollama chat: %s", chunk.Error)
	}
	return chunk.Message.Content, chunk.Done, nil
}

// ListModels returns the names of installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.metaTimeout)
	defer cancel()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &result); err != nil {
		return nil, fmt.Errorf("ollama tags: %w", err)
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether /api/show knows name.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.metaTimeout)
	defer cancel()

	data, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/show", bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ollama show: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("ollama show: %s", resp.Status)
	}
}

// Ping checks that the server answers /api/tags.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
