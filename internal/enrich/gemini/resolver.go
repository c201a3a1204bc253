package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/core"
	"google.golang.org/genai"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

// Resolver asks Gemini for a schema-constrained {owner, title} object.
type Resolver struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"owner": {Type: genai.TypeString},
		"title": {Type: genai.TypeString},
	},
	Required: []string{"owner", "title"},
}

func (r *Resolver) ResolveOwner(ctx context.Context, text string) (enrich.Owner, error) {
	if strings.TrimSpace(text) == "" {
		return enrich.Owner{}, nil
	}

	resp, err := r.client.Models.GenerateContent(
		ctx,
		r.model,
		genai.Text(enrich.Prompt(text)),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return enrich.Owner{}, classifyErr(err)
	}
	return parseOwner(resp.Text())
}

func parseOwner(raw string) (enrich.Owner, error) {
	var out enrich.Owner
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return enrich.Owner{}, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	out.Name = strings.TrimSpace(out.Name)
	out.Title = strings.TrimSpace(out.Title)
	return out, nil
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.TransientError{Err: err}
	}
	return err
}
