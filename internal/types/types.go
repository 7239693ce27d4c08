package types

// Competition stage identifier as it appears in task paths and URLs.
type Stage string

const (
	StageOne   Stage = "etap1"
	StageTwo   Stage = "etap2"
	StageThree Stage = "etap3"
)

func (s Stage) Valid() bool {
	switch s {
	case StageOne, StageTwo, StageThree:
		return true
	default:
		return false
	}
}

// Model verdict about the honesty of a submission.
type IssueType string

const (
	IssueNone      IssueType = "none"
	IssueWrongTask IssueType = "wrong_task"
	IssueInjection IssueType = "injection"
)

// CoerceIssueType maps unknown labels to IssueNone so a creative model
// cannot invent verdicts downstream code does not handle.
func CoerceIssueType(raw string) IssueType {
	switch IssueType(raw) {
	case IssueWrongTask:
		return IssueWrongTask
	case IssueInjection:
		return IssueInjection
	default:
		return IssueNone
	}
}

// GradeMeta records how a grade was produced. Persisted alongside the
// result for cost review, never shown to students.
type GradeMeta struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	ElapsedMS    int64   `json:"elapsed_ms"`
	Thinking     string  `json:"thinking,omitempty"`
}

type PingResponse struct {
	Status string `json:"status"`
}

type GradeResult struct {
	Score      int        `json:"score"`
	Feedback   string     `json:"feedback"`
	IssueType  IssueType  `json:"issue_type"`
	AbuseScore int        `json:"abuse_score"`
	Meta       *GradeMeta `json:"meta,omitempty"`
}
