package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.0-flash"

// genAIBackend serves both the gemini and vertex kinds; the two differ
// only in client configuration, decided once here.
type genAIBackend struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func newGenAIBackend(ctx context.Context, cfg Config, logger *zap.Logger) (*genAIBackend, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Kind {
	case KindGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini backend requires an API key")
		}
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case KindVertex:
		if cfg.Project == "" || cfg.Location == "" {
			return nil, fmt.Errorf("vertex backend requires project and location")
		}
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &genAIBackend{client: client, model: model, logger: logger}, nil
}

const generateSystemPrompt = `You are a Go code generator for a governed self-modification pipeline.
Generate clean, idiomatic Go code that follows these conventions:
- Use only the standard library
- Do NOT import os, os/exec, syscall, net, net/http, unsafe, plugin, or reflect
- Return errors instead of calling panic()
- The code must be in package main and expose: func Run() (string, error)

If the request cannot be satisfied under these constraints, reply with
exactly the line: CANNOT_SATISFY: <short reason>`

// Generate implements Generator.
func (b *genAIBackend) Generate(ctx context.Context, description string, requirements map[string]string, extra string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Generate Go code for this change request.\n\nDescription: ")
	sb.WriteString(description)
	if len(requirements) > 0 {
		sb.WriteString("\n\nRequirements:\n")
		for k, v := range requirements {
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}
	if extra != "" {
		sb.WriteString("\n\nAdditional context from the previous attempt:\n")
		sb.WriteString(extra)
	}
	sb.WriteString("\n\nGenerate complete, compilable Go code:")

	out, err := b.complete(ctx, generateSystemPrompt, sb.String())
	if err != nil {
		return "", err
	}
	if reason, refused := refusal(out); refused {
		return "", &TerminalError{Reason: reason}
	}
	return out, nil
}

const judgeSystemPrompt = `You judge whether generated Go code is safe to apply to a running system.
Reconcile your judgment with the mechanical findings you are given.
Respond with JSON only:
{"verdict": "SAFE|CAUTION|DANGEROUS", "notes": "brief reasoning"}`

// JudgeArtifact implements Judge.
func (b *genAIBackend) JudgeArtifact(ctx context.Context, sourceText string, staticFindings string) (string, error) {
	prompt := fmt.Sprintf(`Assess this generated code.

--- MECHANICAL FINDINGS ---
%s

--- CODE ---
%s

JSON only:`, staticFindings, sourceText)

	return b.complete(ctx, judgeSystemPrompt, prompt)
}

func (b *genAIBackend) complete(ctx context.Context, system, user string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(user), cfg)
	if err != nil {
		return "", classify(err)
	}

	text := resp.Text()
	if text == "" {
		return "", &TransientError{Err: errors.New("empty model response")}
	}
	b.logger.Debug("backend completion",
		zap.String("model", b.model),
		zap.Int("response_bytes", len(text)))
	return text, nil
}

// refusal detects the backend's explicit cannot-satisfy response.
func refusal(out string) (string, bool) {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "CANNOT_SATISFY") {
		reason := strings.TrimSpace(strings.TrimPrefix(trimmed, "CANNOT_SATISFY"))
		reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
		if reason == "" {
			reason = "constraints unsatisfiable"
		}
		return reason, true
	}
	return "", false
}

// classify maps a genai transport error onto the transient/terminal split.
// Rate limits and server faults are retryable; everything else from the
// API is treated as terminal to avoid hammering a rejecting endpoint.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return &TransientError{Err: err}
		}
		return &TerminalError{Reason: apiErr.Message}
	}
	// Non-API failures are transport-level: DNS, TLS, connection resets.
	return &TransientError{Err: err}
}
