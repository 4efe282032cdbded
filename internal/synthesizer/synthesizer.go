// Package synthesizer turns an evolution request into a candidate code
// artifact via the generation backend. Transient backend failures are
// retried with backoff; a backend refusal is terminal. On terminal
// failure one simplify-and-retry pass may be attempted, feeding the
// backend's own error text back as context.
package synthesizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crucible/internal/artifact"
	"crucible/internal/backend"
	"crucible/internal/retry"
)

// Synthesizer issues change requests to the generation backend.
type Synthesizer struct {
	gen      backend.Generator
	timeout  time.Duration
	policy   retry.Policy
	simplify bool
	logger   *zap.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.timeout = d }
}

// WithRetryPolicy overrides the default bounded-retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Synthesizer) { s.policy = p }
}

// WithSimplifyPass enables or disables the single simplify-and-retry pass.
func WithSimplifyPass(enabled bool) Option {
	return func(s *Synthesizer) { s.simplify = enabled }
}

// New creates a Synthesizer over the given generation backend.
func New(gen backend.Generator, logger *zap.Logger, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		gen:      gen,
		timeout:  60 * time.Second,
		policy:   retry.DefaultPolicy(),
		simplify: true,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize produces exactly one fresh artifact for the request, or an
// error. A returned *backend.TerminalError means the request cannot be
// satisfied; a *backend.TransientError means retries were exhausted.
// onAttempt, if non-nil, receives every failed backend attempt.
func (s *Synthesizer) Synthesize(ctx context.Context, req *artifact.EvolutionRequest, onAttempt func(retry.Attempt)) (*artifact.GeneratedArtifact, error) {
	source, err := s.generate(ctx, req, "", onAttempt)
	if err == nil {
		return artifact.NewGeneratedArtifact(req.ID, source, "go"), nil
	}

	// One simplify-and-retry pass, at most, to bound latency. Only a
	// terminal refusal gets it; exhausted transport retries do not.
	if s.simplify && backend.Terminal(err) {
		s.logger.Info("synthesis refused, attempting simplify pass",
			zap.String("request_id", req.ID),
			zap.Error(err))
		feedback := fmt.Sprintf("The previous attempt failed with: %v\nSimplify the approach and satisfy only the essential requirements.", err)
		source, retryErr := s.generate(ctx, req, feedback, onAttempt)
		if retryErr == nil {
			return artifact.NewGeneratedArtifact(req.ID, source, "go"), nil
		}
		err = retryErr
	}

	return nil, fmt.Errorf("synthesis failed for request %s: %w", req.ID, err)
}

func (s *Synthesizer) generate(ctx context.Context, req *artifact.EvolutionRequest, extra string, onAttempt func(retry.Attempt)) (string, error) {
	var raw string
	err := retry.Do(ctx, s.policy, backend.Transient, onAttempt, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		out, err := s.gen.Generate(callCtx, req.Description, req.Requirements, extra)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return "", err
	}

	code := ExtractCodeBlock(raw, "go")
	if strings.TrimSpace(code) == "" {
		return "", &backend.TerminalError{Reason: "backend returned no code"}
	}
	return code, nil
}

// ExtractCodeBlock pulls the first fenced code block of the given language
// out of a model response. If no fence is found the whole response is
// returned, trimmed; models do not always fence their output.
func ExtractCodeBlock(response, lang string) string {
	fence := "```" + lang
	start := strings.Index(response, fence)
	if start < 0 {
		fence = "```"
		start = strings.Index(response, fence)
		if start < 0 {
			return strings.TrimSpace(response)
		}
	}
	rest := response[start+len(fence):]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}
