// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Request carries everything a Proposer needs to suggest fixes.
type Request struct {
	// EntryPoint is the defect entry point, "file:symbol" form.
	EntryPoint string

	// Diagnosis summarizes the suspected root cause.
	Diagnosis string

	// FailingOutput is the observed failure: test output, stack trace,
	// or error message.
	FailingOutput string

	// Files maps in-scope project-relative paths to current content.
	// Proposers must confine their diffs to these files.
	Files map[string]string

	// MaxCandidates bounds how many alternatives to produce.
	MaxCandidates int
}

// Proposer suggests fixes for a diagnosed defect. Implementations are
// pluggable; the engine treats proposals as untrusted input and screens
// every one against the scope closure.
type Proposer interface {
	Propose(ctx context.Context, req *Request) ([]Proposal, error)
}

const proposerSystemPrompt = `You are a code repair assistant. You receive a defect diagnosis and the source files you are allowed to modify. Respond with one or more candidate fixes.

For each candidate output exactly:
DESCRIPTION: <one sentence>
` + "```diff" + `
<unified diff with a/ and b/ path prefixes, correct hunk headers>
` + "```" + `

Rules:
- Only modify the files provided. Never reference any other path.
- Prefer the smallest change that fixes the root cause.
- Do not reformat or restyle untouched lines.`

// OpenAIProposer produces fix proposals through the OpenAI chat API.
//
// Thread Safety: safe for concurrent use; the rate limiter serializes
// request admission across sessions.
type OpenAIProposer struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// OpenAIProposerConfig configures an OpenAIProposer.
type OpenAIProposerConfig struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for local OpenAI-compatible
	// servers. Empty uses the default.
	BaseURL string

	// Model is the chat model name. Defaults to gpt-4o-mini.
	Model string

	// RequestsPerMinute throttles API calls. Defaults to 20.
	RequestsPerMinute int
}

// NewOpenAIProposer creates a proposer from config.
func NewOpenAIProposer(cfg OpenAIProposerConfig, logger *slog.Logger) (*OpenAIProposer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("proposer API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 20
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProposer{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 2),
		logger:  logger,
	}, nil
}

// Propose implements Proposer.
func (p *OpenAIProposer) Propose(ctx context.Context, req *Request) ([]Proposal, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for proposer rate limit: %w", err)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: proposerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("proposer API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("proposer returned no choices")
	}

	proposals := ParseProposals(resp.Choices[0].Message.Content)
	p.logger.Debug("proposer responded",
		slog.String("model", p.model),
		slog.Int("proposals", len(proposals)),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)
	if req.MaxCandidates > 0 && len(proposals) > req.MaxCandidates {
		proposals = proposals[:req.MaxCandidates]
	}
	return proposals, nil
}

// buildPrompt renders the request as the user message. Files appear in
// sorted order so identical requests produce identical prompts.
func buildPrompt(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entry point: %s\n\nDiagnosis:\n%s\n", req.EntryPoint, req.Diagnosis)
	if req.FailingOutput != "" {
		fmt.Fprintf(&b, "\nObserved failure:\n%s\n", req.FailingOutput)
	}
	if req.MaxCandidates > 0 {
		fmt.Fprintf(&b, "\nProduce at most %d candidate fixes.\n", req.MaxCandidates)
	}

	paths := make([]string, 0, len(req.Files))
	for path := range req.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, req.Files[path])
	}
	return b.String()
}

var descriptionRe = regexp.MustCompile(`(?m)^DESCRIPTION:\s*(.+)$`)

// ParseProposals splits a proposer response into proposals. Each fenced
// diff block pairs with the DESCRIPTION line preceding it; a block with
// no description gets a placeholder.
func ParseProposals(response string) []Proposal {
	var proposals []Proposal
	rest := response
	for {
		start := strings.Index(rest, "```diff")
		if start < 0 {
			break
		}
		head := rest[:start]
		body := rest[start+len("```diff"):]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}

		description := "proposed fix"
		if m := descriptionRe.FindAllStringSubmatch(head, -1); len(m) > 0 {
			description = strings.TrimSpace(m[len(m)-1][1])
		}

		diffText := strings.TrimSpace(body[:end])
		if diffText != "" {
			proposals = append(proposals, Proposal{
				Description: description,
				Diff:        diffText + "\n",
			})
		}
		rest = body[end+3:]
	}
	return proposals
}
