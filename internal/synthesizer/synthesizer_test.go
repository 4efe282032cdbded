package synthesizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crucible/internal/artifact"
	"crucible/internal/backend"
	"crucible/internal/retry"
)

// scriptedGenerator returns canned responses in order.
type scriptedGenerator struct {
	responses []any // string or error
	calls     int
	extras    []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, description string, requirements map[string]string, extra string) (string, error) {
	g.extras = append(g.extras, extra)
	if g.calls >= len(g.responses) {
		return "", &backend.TerminalError{Reason: "script exhausted"}
	}
	r := g.responses[g.calls]
	g.calls++
	if err, ok := r.(error); ok {
		return "", err
	}
	return r.(string), nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newSynth(gen backend.Generator) *Synthesizer {
	return New(gen, zap.NewNop(), WithRetryPolicy(fastPolicy()), WithTimeout(time.Second))
}

func testRequest() *artifact.EvolutionRequest {
	return artifact.NewEvolutionRequest("add input-sanitizing helper", map[string]string{"language": "go"})
}

func TestSynthesize_Success(t *testing.T) {
	gen := &scriptedGenerator{responses: []any{
		"Here you go:\n```go\npackage main\n\nfunc Run() (string, error) { return \"ok\", nil }\n```\nEnjoy!",
	}}
	art, err := newSynth(gen).Synthesize(context.Background(), testRequest(), nil)
	require.NoError(t, err)
	assert.Contains(t, art.SourceText, "func Run()")
	assert.NotContains(t, art.SourceText, "```")
	assert.Equal(t, "go", art.LanguageTag)
}

func TestSynthesize_FreshArtifactPerCall(t *testing.T) {
	code := "```go\npackage main\n\nfunc Run() (string, error) { return \"\", nil }\n```"
	gen := &scriptedGenerator{responses: []any{code, code}}
	s := newSynth(gen)
	req := testRequest()

	first, err := s.Synthesize(context.Background(), req, nil)
	require.NoError(t, err)
	second, err := s.Synthesize(context.Background(), req, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "every successful call yields a fresh artifact")
}

func TestSynthesize_TransientRetried(t *testing.T) {
	gen := &scriptedGenerator{responses: []any{
		&backend.TransientError{Err: errors.New("connection reset")},
		"```go\npackage main\n\nfunc Run() (string, error) { return \"\", nil }\n```",
	}}
	var attempts []retry.Attempt
	art, err := newSynth(gen).Synthesize(context.Background(), testRequest(), func(a retry.Attempt) {
		attempts = append(attempts, a)
	})
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Len(t, attempts, 1, "the failed attempt must be observable")
}

func TestSynthesize_TerminalGetsOneSimplifyPass(t *testing.T) {
	gen := &scriptedGenerator{responses: []any{
		&backend.TerminalError{Reason: "constraints unsatisfiable"},
		&backend.TerminalError{Reason: "still unsatisfiable"},
	}}
	_, err := newSynth(gen).Synthesize(context.Background(), testRequest(), nil)
	require.Error(t, err)
	assert.True(t, backend.Terminal(err), "terminal failure must surface as terminal")
	// Exactly two generate calls: the original and one simplify pass.
	assert.Equal(t, 2, gen.calls)
	assert.NotEmpty(t, gen.extras[1], "simplify pass carries the backend's error feedback")
}

func TestSynthesize_SimplifyDisabled(t *testing.T) {
	gen := &scriptedGenerator{responses: []any{
		&backend.TerminalError{Reason: "no"},
	}}
	s := New(gen, zap.NewNop(), WithRetryPolicy(fastPolicy()), WithSimplifyPass(false))
	_, err := s.Synthesize(context.Background(), testRequest(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, gen.calls)
}

func TestSynthesize_TransientExhaustionNoSimplify(t *testing.T) {
	fail := &backend.TransientError{Err: errors.New("timeout")}
	gen := &scriptedGenerator{responses: []any{fail, fail, fail}}
	_, err := newSynth(gen).Synthesize(context.Background(), testRequest(), nil)
	require.Error(t, err)
	// Transport exhaustion does not earn a simplify pass.
	assert.Equal(t, 3, gen.calls)
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"fenced go", "text\n```go\ncode here\n```\ntrailer", "code here"},
		{"plain fence", "```\ncode\n```", "code"},
		{"no fence", "  raw response  ", "raw response"},
		{"unterminated fence", "```go\ncode without end", "code without end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCodeBlock(tt.response, "go"))
		})
	}
}
