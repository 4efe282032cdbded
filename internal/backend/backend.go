// Package backend abstracts the external model services consumed by the
// pipeline: a generation backend that proposes code for a change request,
// and a judgment backend that assesses a candidate artifact. Concrete
// handlers are selected once at configuration time via Kind; callers never
// branch on the backend identity per call.
package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Generator proposes source code for a change request.
type Generator interface {
	// Generate returns raw model output (usually a fenced code block) for
	// the given description and requirements. extra carries optional
	// feedback context, e.g. the previous attempt's error on a
	// simplify-and-retry pass.
	Generate(ctx context.Context, description string, requirements map[string]string, extra string) (string, error)
}

// Judge renders a semantic/ethical verdict on candidate source code.
type Judge interface {
	// JudgeArtifact returns raw model output for the artifact source plus
	// the mechanical findings it should reconcile with.
	JudgeArtifact(ctx context.Context, sourceText string, staticFindings string) (string, error)
}

// Backend is the full capability surface consumed by the pipeline.
type Backend interface {
	Generator
	Judge
}

// Kind is the tagged variant selecting a backend handler.
type Kind string

const (
	KindGemini Kind = "gemini" // Gemini API
	KindVertex Kind = "vertex" // Vertex AI
)

// Config selects and parameterizes a backend handler.
type Config struct {
	Kind    Kind   `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Project string `yaml:"project"`  // vertex only
	Location string `yaml:"location"` // vertex only
}

// New constructs the handler for cfg.Kind.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Kind {
	case KindGemini, KindVertex:
		return newGenAIBackend(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// TransientError marks a failure worth retrying: transport faults,
// timeouts, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient backend error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a definitive backend refusal; retrying cannot help.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string { return "terminal backend error: " + e.Reason }

// Transient reports whether err should be retried.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Terminal reports whether err is a definitive refusal.
func Terminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
