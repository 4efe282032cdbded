package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"crucible/internal/artifact"
	"crucible/internal/assessor"
	"crucible/internal/audit"
	"crucible/internal/backend"
	"crucible/internal/retry"
	"crucible/internal/sandbox"
	"crucible/internal/synthesizer"
	"crucible/internal/validator"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (via google.golang.org/genai) starts a background
	// worker in package init that can never be stopped.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const cleanResponse = "```go\npackage main\n\nimport \"strings\"\n\nfunc Run() (string, error) {\n\treturn strings.ToUpper(\"evolved\"), nil\n}\n```"

const execResponse = "```go\npackage main\n\nimport \"os/exec\"\n\nfunc Run() (string, error) {\n\tout, err := exec.Command(\"id\").Output()\n\treturn string(out), err\n}\n```"

// stubGenerator always returns the same synthesis response.
type stubGenerator struct {
	response string
	err      error
}

func (g *stubGenerator) Generate(ctx context.Context, description string, requirements map[string]string, extra string) (string, error) {
	return g.response, g.err
}

// stubJudge always returns the same judgment.
type stubJudge struct {
	response string
	err      error
}

func (j *stubJudge) JudgeArtifact(ctx context.Context, sourceText, staticFindings string) (string, error) {
	return j.response, j.err
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type fixture struct {
	ctrl  *Controller
	store *audit.Store
}

func newFixture(t *testing.T, gen backend.Generator, judge backend.Judge) *fixture {
	t.Helper()
	logger := zap.NewNop()

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	synth := synthesizer.New(gen, logger, synthesizer.WithRetryPolicy(fastPolicy()), synthesizer.WithTimeout(time.Second))
	assess := assessor.New(judge, logger, assessor.WithRetryPolicy(fastPolicy()), assessor.WithTimeout(time.Second))
	exec := sandbox.New(t.TempDir(), logger)

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.Limits.Timeout = 2 * time.Second

	ctrl := New(cfg, synth, validator.New(), assess, exec, store, logger)
	ctrl.Start(context.Background())
	t.Cleanup(ctrl.Stop)
	return &fixture{ctrl: ctrl, store: store}
}

// waitDone polls until the request leaves the in-flight pipeline states.
func waitDone(t *testing.T, c *Controller, id string) artifact.State {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, _, err := c.Status(id)
		require.NoError(t, err)
		if state.Terminal() || state.Pending() {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("request never settled")
	return 0
}

func TestPipeline_CleanArtifactAutoApplied(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": "simple string transform"}`})

	id, err := f.ctrl.Submit("uppercase helper", map[string]string{"language": "go"})
	require.NoError(t, err)

	state := waitDone(t, f.ctrl, id)
	assert.Equal(t, artifact.StateAutoApplied, state)

	_, decision, err := f.ctrl.Status(id)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, artifact.LevelAutoApplied, decision.Level)
	assert.Equal(t, artifact.ActorSystem, decision.DecidedBy)
	assert.True(t, decision.Applied)
}

// Every stage a request passes through must leave an audit entry.
func TestPipeline_AuditCompleteness(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": "fine"}`})

	id, err := f.ctrl.Submit("uppercase helper", nil)
	require.NoError(t, err)
	waitDone(t, f.ctrl, id)

	events, err := f.ctrl.History(id)
	require.NoError(t, err)

	stages := make([]string, 0, len(events))
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	for _, want := range []string{"SUBMITTED", "SYNTHESIZING", "ANALYZING", "SANDBOXING", "DECIDING", "AUTO_APPLIED"} {
		assert.Contains(t, stages, want, "missing audit entry for stage %s", want)
	}
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

// A forbidden capability rejects the request before sandboxing; the
// cognitive verdict cannot override the static finding.
func TestPipeline_ForbiddenCapabilitySkipsSandbox(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: execResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": "looks fine to me"}`})

	id, err := f.ctrl.Submit("run a shell command", nil)
	require.NoError(t, err)

	state := waitDone(t, f.ctrl, id)
	assert.Equal(t, artifact.StateRejected, state)

	art, err := f.store.ArtifactForRequest(id)
	require.NoError(t, err)
	require.NotNil(t, art)
	sb, err := f.store.SandboxResultFor(art.ID)
	require.NoError(t, err)
	require.NotNil(t, sb)
	assert.Equal(t, artifact.ExitSkipped, sb.ExitStatus, "sandboxing must never be wasted on a rejected artifact")

	_, decision, err := f.ctrl.Status(id)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, artifact.LevelRejected, decision.Level)
	assert.Contains(t, decision.Reason, "forbidden capabilities")
}

// Fail-closed: an unreachable assessor can never produce AUTO_APPLIED.
func TestPipeline_AssessorUnreachableFailsClosed(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{err: &backend.TransientError{Err: errors.New("connection refused")}})

	id, err := f.ctrl.Submit("uppercase helper", nil)
	require.NoError(t, err)

	state := waitDone(t, f.ctrl, id)
	assert.Equal(t, artifact.StateRejected, state)

	_, decision, err := f.ctrl.Status(id)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Contains(t, decision.Reason, assessor.UnavailableNotes)
}

func TestPipeline_SynthesisTerminalFailureRejects(t *testing.T) {
	f := newFixture(t, &stubGenerator{err: &backend.TerminalError{Reason: "CANNOT_SATISFY"}},
		&stubJudge{response: `{"verdict": "SAFE", "notes": ""}`})

	id, err := f.ctrl.Submit("impossible request", nil)
	require.NoError(t, err)

	state := waitDone(t, f.ctrl, id)
	assert.Equal(t, artifact.StateRejected, state)
}

func TestPipeline_CautionGoesToReviewThenDecide(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "CAUTION", "notes": "behavior depends on locale"}`})

	id, err := f.ctrl.Submit("uppercase helper", nil)
	require.NoError(t, err)

	state := waitDone(t, f.ctrl, id)
	assert.Equal(t, artifact.StatePendingReview, state)

	got, err := f.ctrl.Decide(id, true, artifact.ActorHuman)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateAutoApplied, got)

	_, decision, err := f.ctrl.Status(id)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, artifact.ActorHuman, decision.DecidedBy)

	// Deciding again is invalid and leaves the state untouched.
	_, err = f.ctrl.Decide(id, false, artifact.ActorHuman)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	state, _, err = f.ctrl.Status(id)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateAutoApplied, state)
}

// Two concurrent decisions on one pending request: exactly one may win,
// and the stored decision must agree with the final state.
func TestDecide_ConcurrentSingleWinner(t *testing.T) {
	logger := zap.NewNop()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	synth := synthesizer.New(&stubGenerator{response: cleanResponse}, logger)
	assess := assessor.New(&stubJudge{response: "{}"}, logger)
	ctrl := New(DefaultConfig(), synth, validator.New(), assess, sandbox.New(t.TempDir(), logger), store, logger)
	// Never started: pending requests are rehydrated from the store.

	for i := 0; i < 50; i++ {
		req := artifact.NewEvolutionRequest("awaiting review", nil)
		require.NoError(t, store.SaveRequest(req, artifact.StatePendingReview))

		start := make(chan struct{})
		errs := make(chan error, 2)
		go func() {
			<-start
			_, err := ctrl.Decide(req.ID, true, artifact.ActorHuman)
			errs <- err
		}()
		go func() {
			<-start
			_, err := ctrl.Decide(req.ID, false, artifact.ActorHuman)
			errs <- err
		}()
		close(start)

		won := 0
		for j := 0; j < 2; j++ {
			if err := <-errs; err == nil {
				won++
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}
		require.Equal(t, 1, won, "exactly one concurrent decision may succeed")

		state, decision, err := ctrl.Status(req.ID)
		require.NoError(t, err)
		require.NotNil(t, decision)
		assert.Equal(t, decision.Level.State(), state, "stored decision must agree with the final state")

		events, err := store.History(req.ID)
		require.NoError(t, err)
		terminal := 0
		for _, ev := range events {
			s, perr := artifact.ParseState(ev.Stage)
			if perr == nil && s.Terminal() {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal, "the trail must record exactly one terminal transition")
	}
}

func TestDecide_UnknownRequest(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": ""}`})

	_, err := f.ctrl.Decide("no-such-request", true, artifact.ActorHuman)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatus_UnknownRequest(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": ""}`})

	_, _, err := f.ctrl.Status("no-such-request")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPending(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "CAUTION", "notes": "needs a look"}`})

	id, err := f.ctrl.Submit("uppercase helper", nil)
	require.NoError(t, err)
	waitDone(t, f.ctrl, id)

	pending, err := f.ctrl.ListPending(nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].Request.ID)
	assert.Equal(t, artifact.StatePendingReview, pending[0].State)

	filter := artifact.StatePendingCommittee
	none, err := f.ctrl.ListPending(&filter)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSubmit_QueueFull(t *testing.T) {
	logger := zap.NewNop()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig()
	cfg.QueueSize = 1
	synth := synthesizer.New(&stubGenerator{response: cleanResponse}, logger)
	assess := assessor.New(&stubJudge{response: "{}"}, logger)
	ctrl := New(cfg, synth, validator.New(), assess, sandbox.New(t.TempDir(), logger), store, logger)
	// Never started: the queue backs up immediately.

	_, err = ctrl.Submit("first", nil)
	require.NoError(t, err)

	id, err := ctrl.Submit("second", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, id)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": ""}`})

	id, err := f.ctrl.Submit("uppercase helper", nil)
	require.NoError(t, err)
	waitDone(t, f.ctrl, id)

	stats := f.ctrl.GetStats()
	assert.Equal(t, 1, stats.Submitted)
	assert.Equal(t, 1, stats.Synthesized)
	assert.Equal(t, 1, stats.AutoApplied)
}

func TestValidateArtifact(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": ""}`})

	art := artifact.NewGeneratedArtifact("adhoc", "package main\n\nimport \"os/exec\"\n\nvar _ = exec.Command\n", "go")
	a := f.ctrl.ValidateArtifact(art)
	assert.True(t, a.Forbidden())
}

func TestProbeSandbox(t *testing.T) {
	f := newFixture(t, &stubGenerator{response: cleanResponse},
		&stubJudge{response: `{"verdict": "SAFE", "notes": ""}`})

	art := artifact.NewGeneratedArtifact("adhoc",
		"package main\n\nfunc Run() (string, error) {\n\treturn \"probe ok\", nil\n}\n", "go")
	res, err := f.ctrl.ProbeSandbox(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, artifact.ExitCompleted, res.ExitStatus)
	assert.Contains(t, res.StdoutExcerpt, "probe ok")
}

// decideLevel routing, exercised directly with synthetic signals.
func TestDecideLevel(t *testing.T) {
	c := &Controller{cfg: DefaultConfig()}

	clean := &artifact.SecurityAssessment{StaticScore: 0.95, ComplexityScore: 0.1, CognitiveVerdict: artifact.VerdictSafe}
	caution := &artifact.SecurityAssessment{StaticScore: 0.9, ComplexityScore: 0.2, CognitiveVerdict: artifact.VerdictCaution}
	weak := &artifact.SecurityAssessment{StaticScore: 0.2, ComplexityScore: 0.5, CognitiveVerdict: artifact.VerdictCaution}
	complexSafe := &artifact.SecurityAssessment{StaticScore: 0.95, ComplexityScore: 0.9, CognitiveVerdict: artifact.VerdictSafe}

	completed := &artifact.SandboxResult{ExitStatus: artifact.ExitCompleted}
	crashed := &artifact.SandboxResult{ExitStatus: artifact.ExitRuntimeError}
	timedOut := &artifact.SandboxResult{ExitStatus: artifact.ExitTimeout}
	blewLimits := &artifact.SandboxResult{ExitStatus: artifact.ExitResourceExceeded}

	tests := []struct {
		name       string
		assessment *artifact.SecurityAssessment
		sb         *artifact.SandboxResult
		want       artifact.ApprovalLevel
	}{
		{"clean signals auto-apply", clean, completed, artifact.LevelAutoApplied},
		{"caution never auto-applies", caution, completed, artifact.LevelPendingReview},
		{"complexity blocks auto-apply", complexSafe, completed, artifact.LevelPendingReview},
		{"crash forces review", clean, crashed, artifact.LevelPendingReview},
		{"timeout forces review", clean, timedOut, artifact.LevelPendingReview},
		{"weak signals escalate to committee", weak, crashed, artifact.LevelPendingCommittee},
		{"resource exceeded always committee", clean, blewLimits, artifact.LevelPendingCommittee},
		{"resource exceeded trumps weak signals too", weak, blewLimits, artifact.LevelPendingCommittee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, reason := c.decideLevel(tt.assessment, tt.sb)
			assert.Equal(t, tt.want, level)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestCancel_BeforeProcessing(t *testing.T) {
	logger := zap.NewNop()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	synth := synthesizer.New(&stubGenerator{response: cleanResponse}, logger)
	assess := assessor.New(&stubJudge{response: "{}"}, logger)
	ctrl := New(DefaultConfig(), synth, validator.New(), assess, sandbox.New(t.TempDir(), logger), store, logger)
	// Not started: the request sits in SUBMITTED where Cancel is valid.

	id, err := ctrl.Submit("to be cancelled", nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Cancel(id))

	ctrl.Start(context.Background())
	t.Cleanup(ctrl.Stop)

	state := waitDone(t, ctrl, id)
	assert.Equal(t, artifact.StateCancelled, state)

	// Cancelled is terminal.
	assert.ErrorIs(t, ctrl.Cancel(id), ErrInvalidTransition)
	_, err = ctrl.Decide(id, true, artifact.ActorHuman)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
