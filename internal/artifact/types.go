// Package artifact defines the core entities of the evolution pipeline:
// change requests, generated code artifacts, security assessments, sandbox
// results, approval decisions, and audit events. All entities except the
// request's lifecycle state are immutable once created; the controller is
// the only owner of mutable state.
package artifact

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EvolutionRequest is a structured change request submitted to the pipeline.
// Immutable after creation; all downstream records reference it by ID.
type EvolutionRequest struct {
	ID           string            `json:"id"`
	Description  string            `json:"description"`
	Requirements map[string]string `json:"requirements"`
	SubmittedAt  time.Time         `json:"submitted_at"`
}

// NewEvolutionRequest creates a request with a fresh identifier.
func NewEvolutionRequest(description string, requirements map[string]string) *EvolutionRequest {
	return &EvolutionRequest{
		ID:           uuid.NewString(),
		Description:  description,
		Requirements: requirements,
		SubmittedAt:  time.Now().UTC(),
	}
}

// GeneratedArtifact is a candidate code unit produced by the synthesizer.
// New attempts produce new artifacts, never edits to an existing one.
type GeneratedArtifact struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	SourceText  string    `json:"source_text"`
	LanguageTag string    `json:"language_tag"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewGeneratedArtifact creates an artifact with a fresh identifier.
func NewGeneratedArtifact(requestID, sourceText, languageTag string) *GeneratedArtifact {
	return &GeneratedArtifact{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		SourceText:  sourceText,
		LanguageTag: languageTag,
		GeneratedAt: time.Now().UTC(),
	}
}

// Verdict is the cognitive assessor's semantic judgment of an artifact.
type Verdict int

const (
	VerdictSafe Verdict = iota
	VerdictCaution
	VerdictDangerous
)

func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "SAFE"
	case VerdictCaution:
		return "CAUTION"
	case VerdictDangerous:
		return "DANGEROUS"
	default:
		return "UNKNOWN"
	}
}

// ParseVerdict maps a verdict name back to its enum value. Unknown input
// parses as DANGEROUS: an unrecognized judgment is never treated as safe.
func ParseVerdict(s string) Verdict {
	switch s {
	case "SAFE":
		return VerdictSafe
	case "CAUTION":
		return VerdictCaution
	default:
		return VerdictDangerous
	}
}

// SecurityAssessment combines the validator's static findings with the
// cognitive assessor's verdict. Any forbidden capability forces DANGEROUS.
type SecurityAssessment struct {
	ArtifactID            string   `json:"artifact_id"`
	StaticScore           float64  `json:"static_score"`
	ForbiddenCapabilities []string `json:"forbidden_capabilities"`
	ComplexityScore       float64  `json:"complexity_score"`
	CognitiveVerdict      Verdict  `json:"cognitive_verdict"`
	CognitiveNotes        string   `json:"cognitive_notes"`
}

// Forbidden reports whether the assessment found any forbidden capability.
func (a *SecurityAssessment) Forbidden() bool {
	return len(a.ForbiddenCapabilities) > 0
}

// ExitStatus classifies how a sandbox execution ended.
type ExitStatus int

const (
	ExitCompleted ExitStatus = iota
	ExitTimeout
	ExitResourceExceeded
	ExitRuntimeError
	ExitSkipped
)

func (s ExitStatus) String() string {
	switch s {
	case ExitCompleted:
		return "COMPLETED"
	case ExitTimeout:
		return "TIMEOUT"
	case ExitResourceExceeded:
		return "RESOURCE_EXCEEDED"
	case ExitRuntimeError:
		return "RUNTIME_ERROR"
	case ExitSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// ParseExitStatus maps a status name back to its enum value.
func ParseExitStatus(s string) (ExitStatus, error) {
	switch s {
	case "COMPLETED":
		return ExitCompleted, nil
	case "TIMEOUT":
		return ExitTimeout, nil
	case "RESOURCE_EXCEEDED":
		return ExitResourceExceeded, nil
	case "RUNTIME_ERROR":
		return ExitRuntimeError, nil
	case "SKIPPED":
		return ExitSkipped, nil
	default:
		return ExitRuntimeError, fmt.Errorf("unknown exit status %q", s)
	}
}

// SandboxResult records the observed behavior of one isolated execution.
type SandboxResult struct {
	ArtifactID      string        `json:"artifact_id"`
	ExitStatus      ExitStatus    `json:"exit_status"`
	Duration        time.Duration `json:"duration"`
	PeakMemory      uint64        `json:"peak_memory"`
	PeakCPUFraction float64       `json:"peak_cpu_fraction"`
	StdoutExcerpt   string        `json:"stdout_excerpt"`
	StderrExcerpt   string        `json:"stderr_excerpt"`
}

// SkippedResult is the sandbox result for an artifact that was rejected
// before execution. Sandboxing is never wasted on DANGEROUS artifacts.
func SkippedResult(artifactID string) *SandboxResult {
	return &SandboxResult{ArtifactID: artifactID, ExitStatus: ExitSkipped}
}

// State is the lifecycle stage of a request within the controller.
type State int

const (
	StateSubmitted State = iota
	StateSynthesizing
	StateAnalyzing
	StateSandboxing
	StateDeciding
	StateAutoApplied
	StatePendingReview
	StatePendingCommittee
	StateRejected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "SUBMITTED"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateAnalyzing:
		return "ANALYZING"
	case StateSandboxing:
		return "SANDBOXING"
	case StateDeciding:
		return "DECIDING"
	case StateAutoApplied:
		return "AUTO_APPLIED"
	case StatePendingReview:
		return "PENDING_REVIEW"
	case StatePendingCommittee:
		return "PENDING_COMMITTEE"
	case StateRejected:
		return "REJECTED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateAutoApplied, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Pending reports whether the state is waiting on an external decision.
func (s State) Pending() bool {
	return s == StatePendingReview || s == StatePendingCommittee
}

// ParseState maps a state name back to its enum value.
func ParseState(s string) (State, error) {
	for st := StateSubmitted; st <= StateCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StateRejected, fmt.Errorf("unknown state %q", s)
}

// ApprovalLevel is the risk-graduated routing of a request.
type ApprovalLevel int

const (
	LevelAutoApplied ApprovalLevel = iota
	LevelPendingReview
	LevelPendingCommittee
	LevelRejected
)

func (l ApprovalLevel) String() string {
	switch l {
	case LevelAutoApplied:
		return "AUTO_APPLIED"
	case LevelPendingReview:
		return "PENDING_REVIEW"
	case LevelPendingCommittee:
		return "PENDING_COMMITTEE"
	case LevelRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// State returns the controller state corresponding to this level.
func (l ApprovalLevel) State() State {
	switch l {
	case LevelAutoApplied:
		return StateAutoApplied
	case LevelPendingReview:
		return StatePendingReview
	case LevelPendingCommittee:
		return StatePendingCommittee
	default:
		return StateRejected
	}
}

// ParseApprovalLevel maps a level name back to its enum value.
func ParseApprovalLevel(s string) (ApprovalLevel, error) {
	for l := LevelAutoApplied; l <= LevelRejected; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelRejected, fmt.Errorf("unknown approval level %q", s)
}

// Actor identifies who made an approval decision.
type Actor int

const (
	ActorSystem Actor = iota
	ActorHuman
)

func (a Actor) String() string {
	if a == ActorHuman {
		return "HUMAN"
	}
	return "SYSTEM"
}

// ApprovalDecision is the terminal routing outcome for a request.
type ApprovalDecision struct {
	RequestID string        `json:"request_id"`
	Level     ApprovalLevel `json:"level"`
	DecidedBy Actor         `json:"decided_by"`
	DecidedAt time.Time     `json:"decided_at"`
	Applied   bool          `json:"applied"`
	Reason    string        `json:"reason"`
}

// AuditEvent is one entry in a request's append-only lifecycle trail.
// Seq is monotonic per request; events are never updated or deleted.
type AuditEvent struct {
	RequestID string    `json:"request_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail"`
}
