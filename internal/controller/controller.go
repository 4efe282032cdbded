// Package controller orchestrates the evolution pipeline: it owns the
// request queue, drives each request through synthesis, analysis,
// sandboxing, and decision, and exposes the status/approval surface.
// The controller is the sole owner of a request's mutable lifecycle
// state; everything else in the pipeline is an immutable fact produced
// once and only read thereafter.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crucible/internal/artifact"
	"crucible/internal/assessor"
	"crucible/internal/audit"
	"crucible/internal/retry"
	"crucible/internal/sandbox"
	"crucible/internal/synthesizer"
	"crucible/internal/validator"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("request not found")
	// ErrInvalidTransition is returned when an operation is not valid in
	// the request's current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrQueueFull is returned when the submission queue is saturated.
	ErrQueueFull = errors.New("submission queue full")
)

// Thresholds are the risk bands separating approval levels. The ordering
// invariants (fail-closed, resource-exceeded escalation) hold for any
// values with AutoApply < Review.
type Thresholds struct {
	AutoApply     float64 `yaml:"auto_apply"`     // risk below this may auto-apply
	Review        float64 `yaml:"review"`         // risk below this goes to human review
	MaxComplexity float64 `yaml:"max_complexity"` // auto-apply also requires complexity below this
}

// DefaultThresholds returns the documented risk bands.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApply: 0.25, Review: 0.60, MaxComplexity: 0.70}
}

// Config parameterizes a Controller.
type Config struct {
	Workers    int            `yaml:"workers"`
	QueueSize  int            `yaml:"queue_size"`
	Limits     sandbox.Limits `yaml:"sandbox_limits"`
	Thresholds Thresholds     `yaml:"thresholds"`
}

// DefaultConfig returns a working controller configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  64,
		Limits:     sandbox.DefaultLimits(),
		Thresholds: DefaultThresholds(),
	}
}

// Stats counts pipeline outcomes since construction.
type Stats struct {
	Submitted   int
	Synthesized int
	Rejected    int
	AutoApplied int
	Escalated   int
	Cancelled   int
}

// tracked is the controller-owned mutable state of one in-flight request.
type tracked struct {
	req       *artifact.EvolutionRequest
	state     artifact.State
	cancelled bool
	resolving bool               // a Decide holds the claim on this request
	cancel    context.CancelFunc // cancels in-flight stage work, nil when idle
}

// Controller drives requests through the pipeline.
type Controller struct {
	cfg    Config
	synth  *synthesizer.Synthesizer
	val    *validator.Validator
	assess *assessor.Assessor
	exec   *sandbox.Executor
	store  *audit.Store
	logger *zap.Logger

	mu       sync.Mutex
	requests map[string]*tracked
	stats    Stats

	queue   chan string
	group   *errgroup.Group
	stopCtx context.CancelFunc
	started bool
}

// New wires a Controller from its collaborators. Call Start to begin
// processing.
func New(cfg Config, synth *synthesizer.Synthesizer, val *validator.Validator, assess *assessor.Assessor, exec *sandbox.Executor, store *audit.Store, logger *zap.Logger) *Controller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 16
	}
	return &Controller{
		cfg:      cfg,
		synth:    synth,
		val:      val,
		assess:   assess,
		exec:     exec,
		store:    store,
		logger:   logger,
		requests: make(map[string]*tracked),
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers pull from a single ordered
// queue; independent requests progress in parallel up to cfg.Workers.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.stopCtx = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	for w := 0; w < c.cfg.Workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id, ok := <-c.queue:
					if !ok {
						return nil
					}
					c.process(gctx, id)
				}
			}
		})
	}
	c.logger.Info("controller started", zap.Int("workers", c.cfg.Workers))
}

// Stop drains the workers and waits for in-flight requests to finish
// their current stage.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.stopCtx
	c.mu.Unlock()

	cancel()
	_ = c.group.Wait()
	c.logger.Info("controller stopped")
}

// Submit enqueues a change request and returns its id immediately; it
// never blocks on the pipeline.
func (c *Controller) Submit(description string, requirements map[string]string) (string, error) {
	req := artifact.NewEvolutionRequest(description, requirements)

	if err := c.store.SaveRequest(req, artifact.StateSubmitted); err != nil {
		return "", err
	}
	if err := c.store.Append(req.ID, "SUBMITTED", "accepted", description); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.requests[req.ID] = &tracked{req: req, state: artifact.StateSubmitted}
	c.stats.Submitted++
	c.mu.Unlock()

	select {
	case c.queue <- req.ID:
	default:
		c.setState(req.ID, artifact.StateRejected, "queue saturated")
		return "", ErrQueueFull
	}

	c.logger.Info("request submitted", zap.String("request_id", req.ID))
	return req.ID, nil
}

// Status reports a request's current state and decision, if any. Reads
// always reflect the last fully committed transition.
func (c *Controller) Status(requestID string) (artifact.State, *artifact.ApprovalDecision, error) {
	c.mu.Lock()
	t, ok := c.requests[requestID]
	var state artifact.State
	if ok {
		state = t.state
	}
	c.mu.Unlock()

	if !ok {
		// Survives process restart: fall back to the store.
		_, stored, err := c.store.GetRequest(requestID)
		if err != nil {
			return 0, nil, ErrNotFound
		}
		state = stored
	}

	decision, err := c.store.GetDecision(requestID)
	if err != nil {
		return 0, nil, err
	}
	return state, decision, nil
}

// History returns the request's stage-ordered audit trail.
func (c *Controller) History(requestID string) ([]artifact.AuditEvent, error) {
	events, err := c.store.History(requestID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

// ListPending returns requests awaiting a human decision, optionally
// filtered to one pending level.
func (c *Controller) ListPending(filter *artifact.State) ([]audit.PendingRequest, error) {
	return c.store.ListPending(filter)
}

// Decide resolves a pending request. Only PENDING_REVIEW and
// PENDING_COMMITTEE accept a decision; anything else is
// ErrInvalidTransition with no state change.
func (c *Controller) Decide(requestID string, approve bool, by artifact.Actor) (artifact.State, error) {
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok {
		// Rehydrate a pending request persisted by an earlier process.
		req, state, err := c.store.GetRequest(requestID)
		if err != nil {
			c.mu.Unlock()
			return 0, ErrNotFound
		}
		t = &tracked{req: req, state: state}
		c.requests[requestID] = t
	}
	// Claim the request while still holding the lock: exactly one
	// concurrent Decide may pass this point per pending request.
	if !t.state.Pending() || t.resolving {
		state := t.state
		c.mu.Unlock()
		return state, fmt.Errorf("%w: decide on %s request", ErrInvalidTransition, state)
	}
	t.resolving = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		t.resolving = false
		c.mu.Unlock()
	}

	target := artifact.StateRejected
	level := artifact.LevelRejected
	outcome := "rejected"
	if approve {
		target = artifact.StateAutoApplied
		level = artifact.LevelAutoApplied
		outcome = "approved"
	}

	decision := &artifact.ApprovalDecision{
		RequestID: requestID,
		Level:     level,
		DecidedBy: by,
		DecidedAt: time.Now().UTC(),
		Applied:   approve,
		Reason:    fmt.Sprintf("%s by %s", outcome, by),
	}
	if err := c.store.SaveDecision(decision); err != nil {
		release()
		return 0, err
	}
	if err := c.setState(requestID, target, decision.Reason); err != nil {
		release()
		return 0, err
	}
	release()

	c.mu.Lock()
	if approve {
		c.stats.AutoApplied++
	} else {
		c.stats.Rejected++
	}
	c.mu.Unlock()
	return target, nil
}

// Cancel aborts a request that has not yet reached sandboxing. The
// worker checks the flag between stages; any in-flight stage context is
// cancelled immediately. Cancelling a terminal request is invalid.
func (c *Controller) Cancel(requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	switch t.state {
	case artifact.StateSubmitted, artifact.StateSynthesizing, artifact.StateAnalyzing:
		t.cancelled = true
		if t.cancel != nil {
			t.cancel()
		}
		return nil
	default:
		return fmt.Errorf("%w: cancel in state %s", ErrInvalidTransition, t.state)
	}
}

// ProbeSandbox executes an ad-hoc artifact directly, bypassing the
// pipeline. Diagnostics only; nothing is persisted.
func (c *Controller) ProbeSandbox(ctx context.Context, art *artifact.GeneratedArtifact) (*artifact.SandboxResult, error) {
	return c.exec.Execute(ctx, art, c.cfg.Limits)
}

// ValidateArtifact runs the static validator on an ad-hoc artifact.
func (c *Controller) ValidateArtifact(art *artifact.GeneratedArtifact) *artifact.SecurityAssessment {
	return c.val.Validate(art)
}

// GetStats returns a snapshot of pipeline counters.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// setState appends the transition to the audit trail, persists it, and
// only then makes it visible to Status. Failures here are logged and the
// in-memory state still advances so a request can never wedge in a
// half-transitioned stage.
func (c *Controller) setState(requestID string, state artifact.State, detail string) error {
	if err := c.store.Append(requestID, state.String(), "transition", detail); err != nil {
		c.logger.Error("audit append failed", zap.String("request_id", requestID), zap.Error(err))
		return err
	}
	if err := c.store.UpdateState(requestID, state); err != nil {
		c.logger.Error("state persist failed", zap.String("request_id", requestID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if t, ok := c.requests[requestID]; ok {
		t.state = state
	}
	c.mu.Unlock()
	return nil
}

// checkCancelled finalizes a cancelled request and reports whether the
// worker should stop.
func (c *Controller) checkCancelled(requestID string) bool {
	c.mu.Lock()
	t, ok := c.requests[requestID]
	cancelled := ok && t.cancelled
	if cancelled {
		c.stats.Cancelled++
	}
	c.mu.Unlock()

	if cancelled {
		_ = c.setState(requestID, artifact.StateCancelled, "cancelled by caller")
	}
	return cancelled
}

// stageContext installs a cancellable context for the current stage so
// Cancel can interrupt in-flight backend or sandbox work.
func (c *Controller) stageContext(ctx context.Context, requestID string) (context.Context, context.CancelFunc) {
	stageCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if t, ok := c.requests[requestID]; ok {
		t.cancel = cancel
	}
	c.mu.Unlock()
	return stageCtx, func() {
		c.mu.Lock()
		if t, ok := c.requests[requestID]; ok {
			t.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}
}

// process drives one request through the pipeline stages sequentially.
func (c *Controller) process(ctx context.Context, requestID string) {
	c.mu.Lock()
	t, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Error("queued request missing from tracking", zap.String("request_id", requestID))
		return
	}
	req := t.req

	if c.checkCancelled(requestID) {
		return
	}

	// SUBMITTED -> SYNTHESIZING
	if err := c.setState(requestID, artifact.StateSynthesizing, ""); err != nil {
		return
	}

	art, err := c.synthesize(ctx, req)
	if err != nil {
		// Distinguish a caller cancellation from a genuine failure.
		if c.checkCancelled(requestID) {
			return
		}
		c.reject(requestID, "generation failed: "+err.Error())
		return
	}
	if err := c.store.SaveArtifact(art); err != nil {
		c.reject(requestID, "failed to persist artifact: "+err.Error())
		return
	}
	c.mu.Lock()
	c.stats.Synthesized++
	c.mu.Unlock()

	if c.checkCancelled(requestID) {
		return
	}

	// SYNTHESIZING -> ANALYZING. The validator is pure and fast, so it
	// runs first and its findings feed the cognitive assessor's prompt.
	if err := c.setState(requestID, artifact.StateAnalyzing, art.ID); err != nil {
		return
	}

	assessment := c.val.Validate(art)

	stageCtx, finish := c.stageContext(ctx, requestID)
	verdict, notes := c.assess.Assess(stageCtx, art, assessment, func(a retry.Attempt) {
		_ = c.store.Append(requestID, "ANALYZING", "assessment_attempt_failed",
			fmt.Sprintf("attempt %d: %v", a.Number, a.Err))
	})
	finish()

	assessment.CognitiveVerdict = verdict
	assessment.CognitiveNotes = notes
	// Invariant: a forbidden capability forces DANGEROUS regardless of
	// what the cognitive backend said.
	if assessment.Forbidden() {
		assessment.CognitiveVerdict = artifact.VerdictDangerous
	}
	if err := c.store.SaveAssessment(assessment); err != nil {
		c.logger.Error("assessment persist failed", zap.String("request_id", requestID), zap.Error(err))
	}

	if assessment.CognitiveVerdict == artifact.VerdictDangerous {
		if c.checkCancelled(requestID) {
			return
		}
		// Sandboxing is never wasted on an already-rejected artifact.
		skipped := artifact.SkippedResult(art.ID)
		if err := c.store.SaveSandboxResult(skipped); err != nil {
			c.logger.Error("sandbox result persist failed", zap.String("request_id", requestID), zap.Error(err))
		}
		reason := "security violation: " + notes
		if assessment.Forbidden() {
			reason = fmt.Sprintf("security violation: forbidden capabilities %v", assessment.ForbiddenCapabilities)
		}
		c.reject(requestID, reason)
		return
	}

	if c.checkCancelled(requestID) {
		return
	}

	// ANALYZING -> SANDBOXING
	if err := c.setState(requestID, artifact.StateSandboxing, ""); err != nil {
		return
	}

	stageCtx, finish = c.stageContext(ctx, requestID)
	sbResult, err := c.exec.Execute(stageCtx, art, c.cfg.Limits)
	finish()
	if err != nil {
		// Environment provisioning failed; the artifact was never
		// observed. That ambiguity is itself risk-relevant.
		sbResult = &artifact.SandboxResult{
			ArtifactID:    art.ID,
			ExitStatus:    artifact.ExitRuntimeError,
			StderrExcerpt: "sandbox provisioning failed: " + err.Error(),
		}
	}
	if err := c.store.SaveSandboxResult(sbResult); err != nil {
		c.logger.Error("sandbox result persist failed", zap.String("request_id", requestID), zap.Error(err))
	}
	_ = c.store.Append(requestID, "SANDBOXING", sbResult.ExitStatus.String(),
		fmt.Sprintf("duration=%s peak_memory=%d", sbResult.Duration, sbResult.PeakMemory))

	// SANDBOXING -> DECIDING regardless of sandbox outcome; a failure is
	// a risk signal, not a silent skip.
	if err := c.setState(requestID, artifact.StateDeciding, ""); err != nil {
		return
	}

	level, reason := c.decideLevel(assessment, sbResult)
	decision := &artifact.ApprovalDecision{
		RequestID: requestID,
		Level:     level,
		DecidedBy: artifact.ActorSystem,
		DecidedAt: time.Now().UTC(),
		Applied:   level == artifact.LevelAutoApplied,
		Reason:    reason,
	}
	if err := c.store.SaveDecision(decision); err != nil {
		c.logger.Error("decision persist failed", zap.String("request_id", requestID), zap.Error(err))
	}
	if err := c.setState(requestID, level.State(), reason); err != nil {
		return
	}

	c.mu.Lock()
	switch level {
	case artifact.LevelAutoApplied:
		c.stats.AutoApplied++
	case artifact.LevelRejected:
		c.stats.Rejected++
	default:
		c.stats.Escalated++
	}
	c.mu.Unlock()

	c.logger.Info("request decided",
		zap.String("request_id", requestID),
		zap.String("level", level.String()),
		zap.String("reason", reason))
}

// synthesize runs the synthesizer with per-attempt audit entries.
func (c *Controller) synthesize(ctx context.Context, req *artifact.EvolutionRequest) (*artifact.GeneratedArtifact, error) {
	stageCtx, finish := c.stageContext(ctx, req.ID)
	defer finish()
	return c.synth.Synthesize(stageCtx, req, func(a retry.Attempt) {
		_ = c.store.Append(req.ID, "SYNTHESIZING", "synthesis_attempt_failed",
			fmt.Sprintf("attempt %d: %v", a.Number, a.Err))
	})
}

// reject moves a request to the terminal REJECTED state with a system
// decision carrying the reason.
func (c *Controller) reject(requestID, reason string) {
	decision := &artifact.ApprovalDecision{
		RequestID: requestID,
		Level:     artifact.LevelRejected,
		DecidedBy: artifact.ActorSystem,
		DecidedAt: time.Now().UTC(),
		Reason:    reason,
	}
	if err := c.store.SaveDecision(decision); err != nil {
		c.logger.Error("decision persist failed", zap.String("request_id", requestID), zap.Error(err))
	}
	_ = c.setState(requestID, artifact.StateRejected, reason)

	c.mu.Lock()
	c.stats.Rejected++
	c.mu.Unlock()
}

// decideLevel computes the risk-weighted approval routing from the
// assessment and the observed sandbox behavior. DANGEROUS verdicts never
// reach this point.
func (c *Controller) decideLevel(a *artifact.SecurityAssessment, sb *artifact.SandboxResult) (artifact.ApprovalLevel, string) {
	verdictWeight := 0.0
	if a.CognitiveVerdict == artifact.VerdictCaution {
		verdictWeight = 0.6
	}

	var sandboxWeight float64
	switch sb.ExitStatus {
	case artifact.ExitCompleted:
		sandboxWeight = 0.0
	case artifact.ExitRuntimeError:
		sandboxWeight = 0.5
	case artifact.ExitTimeout:
		sandboxWeight = 0.7
	case artifact.ExitResourceExceeded:
		sandboxWeight = 1.0
	default:
		sandboxWeight = 1.0
	}

	risk := 0.45*(1.0-a.StaticScore) + 0.25*verdictWeight + 0.30*sandboxWeight

	// A resource-limit violation always escalates to committee no matter
	// how clean the rest of the signals look.
	if sb.ExitStatus == artifact.ExitResourceExceeded {
		return artifact.LevelPendingCommittee,
			fmt.Sprintf("resource limit violated in sandbox (risk %.2f)", risk)
	}

	th := c.cfg.Thresholds
	switch {
	case risk < th.AutoApply &&
		a.CognitiveVerdict == artifact.VerdictSafe &&
		sb.ExitStatus == artifact.ExitCompleted &&
		a.ComplexityScore < th.MaxComplexity:
		return artifact.LevelAutoApplied, fmt.Sprintf("all signals clean (risk %.2f)", risk)
	case risk < th.Review:
		return artifact.LevelPendingReview, fmt.Sprintf("moderate risk (%.2f), human review required", risk)
	default:
		return artifact.LevelPendingCommittee, fmt.Sprintf("high risk (%.2f), committee review required", risk)
	}
}
