// Package ollama resolves owners with a locally hosted model over Ollama's
// streaming chat endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/redact"
)

const (
	DefaultURL   = "http://localhost:11434/api/chat"
	DefaultModel = "mistral"
)

type Config struct {
	URL     string
	Model   string
	Timeout time.Duration

	HTTPClient *http.Client
}

// Resolver streams a chat completion and pulls the {owner, title} object out of
// the accumulated reply.
type Resolver struct {
	url    string
	model  string
	client *http.Client
}

func New(cfg Config) *Resolver {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		u = DefaultURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Resolver{url: u, model: model, client: hc}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

var ownerObjectRe = regexp.MustCompile(`(?s)\{\s*"owner".*\}`)

func (r *Resolver) ResolveOwner(ctx context.Context, text string) (enrich.Owner, error) {
	if strings.TrimSpace(text) == "" {
		return enrich.Owner{}, nil
	}

	body, err := json.Marshal(chatRequest{
		Model:    r.model,
		Messages: []chatMessage{{Role: "user", Content: enrich.Prompt(text)}},
		Stream:   true,
	})
	if err != nil {
		return enrich.Owner{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return enrich.Owner{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return enrich.Owner{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("ollama: chat failed: status=%s body=%s", resp.Status, redact.Secrets(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
			return enrich.Owner{}, &core.TransientError{Err: err}
		}
		return enrich.Owner{}, err
	}

	reply, err := readStream(resp.Body)
	if err != nil {
		return enrich.Owner{}, err
	}
	return ParseReply(reply)
}

func readStream(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	var b strings.Builder
	for {
		var chunk chatChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), nil
			}
			return "", fmt.Errorf("ollama: decode stream: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		b.WriteString(chunk.Message.Content)
		if chunk.Done {
			return b.String(), nil
		}
	}
}

// ParseReply extracts the owner object from a free-form model reply. A reply
// without an owner object yields an empty Owner.
func ParseReply(reply string) (enrich.Owner, error) {
	m := ownerObjectRe.FindString(reply)
	if m == "" {
		return enrich.Owner{}, nil
	}
	var out enrich.Owner
	if err := json.Unmarshal([]byte(m), &out); err != nil {
		return enrich.Owner{}, fmt.Errorf("ollama: parse owner json: %w", err)
	}
	out.Name = strings.TrimSpace(out.Name)
	out.Title = strings.TrimSpace(out.Title)
	return out, nil
}
