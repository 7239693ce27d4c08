package types

type SubmissionStatus string

const (
	SubmissionStatusPending    SubmissionStatus = "pending"    // Accepted and queued, no work started yet
	SubmissionStatusProcessing SubmissionStatus = "processing" // Grading in progress
	SubmissionStatusCompleted  SubmissionStatus = "completed"  // Graded, score and feedback are final
	SubmissionStatusFailed     SubmissionStatus = "failed"     // Grading failed, feedback carries the user facing reason
)

func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionStatusCompleted || s == SubmissionStatusFailed
}
