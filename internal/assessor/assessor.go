// Package assessor obtains a semantic judgment of a generated artifact
// from the judgment backend. The assessor fails closed: if the backend
// cannot produce a verdict after bounded retries, the artifact is treated
// as DANGEROUS. Absence of judgment is never approval.
package assessor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"crucible/internal/artifact"
	"crucible/internal/backend"
	"crucible/internal/retry"
	"crucible/internal/validator"
)

// UnavailableNotes is recorded when retries are exhausted.
const UnavailableNotes = "assessment unavailable"

// Assessor wraps the judgment backend with timeout, bounded retry, and
// malformed-response handling.
type Assessor struct {
	judge   backend.Judge
	timeout time.Duration
	policy  retry.Policy
	logger  *zap.Logger
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(a *Assessor) { a.timeout = d }
}

// WithRetryPolicy overrides the default bounded-retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(a *Assessor) { a.policy = p }
}

// New creates an Assessor over the given judgment backend.
func New(judge backend.Judge, logger *zap.Logger, opts ...Option) *Assessor {
	a := &Assessor{
		judge:   judge,
		timeout: 30 * time.Second,
		policy:  retry.DefaultPolicy(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// judgeResponse is the JSON document the backend is prompted to return.
type judgeResponse struct {
	Verdict string `json:"verdict"`
	Notes   string `json:"notes"`
}

// Assess returns the cognitive verdict and notes for the artifact,
// reconciling with the validator's static result. onAttempt, if non-nil,
// receives every failed backend attempt for audit recording.
func (a *Assessor) Assess(ctx context.Context, art *artifact.GeneratedArtifact, static *artifact.SecurityAssessment, onAttempt func(retry.Attempt)) (artifact.Verdict, string) {
	findings := validator.Findings(static)

	var raw string
	err := retry.Do(ctx, a.policy, backend.Transient, onAttempt, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		out, err := a.judge.JudgeArtifact(callCtx, art.SourceText, findings)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		a.logger.Warn("cognitive assessment unavailable, failing closed",
			zap.String("artifact_id", art.ID),
			zap.Error(err))
		return artifact.VerdictDangerous, UnavailableNotes
	}

	verdict, notes := parseJudgment(raw)
	a.logger.Debug("cognitive assessment complete",
		zap.String("artifact_id", art.ID),
		zap.String("verdict", verdict.String()))
	return verdict, notes
}

// parseJudgment decodes the backend's response. Well-formed JSON wins;
// otherwise fall back to keyword matching so a chatty model response still
// yields a verdict. Nothing recognizable parses as DANGEROUS.
func parseJudgment(raw string) (artifact.Verdict, string) {
	cleaned := stripFences(raw)

	var resp judgeResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err == nil && resp.Verdict != "" {
		return artifact.ParseVerdict(strings.ToUpper(strings.TrimSpace(resp.Verdict))), resp.Notes
	}

	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "DANGEROUS"):
		return artifact.VerdictDangerous, firstLine(raw)
	case strings.Contains(upper, "CAUTION"):
		return artifact.VerdictCaution, firstLine(raw)
	case strings.Contains(upper, "SAFE"):
		return artifact.VerdictSafe, firstLine(raw)
	default:
		return artifact.VerdictDangerous, "unrecognized assessment response"
	}
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
