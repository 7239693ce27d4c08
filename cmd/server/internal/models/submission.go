package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/omjvalidator/grader-api/internal/types"
)

type Submission struct {
	Stage          types.Stage            `gorm:"type:text"`
	Status         types.SubmissionStatus `gorm:"type:text"`
	Meta           datatypes.JSONType[*types.GradeMeta]
	ArchivedImages datatypes.JSONSlice[string]
	Model
	UserID       uuid.UUID
	Year         int
	TaskNumber   int
	ImageCount   int
	Score        datatypes.Null[int]
	AbuseScore   datatypes.Null[int]
	Feedback     datatypes.Null[string]
	IssueType    datatypes.Null[string]
	ErrorMessage datatypes.Null[string]
}

func (Submission) TableName() string {
	return "submissions"
}

func (s Submission) GetID() uuid.UUID {
	return s.ID
}

// Terminal reports whether no further status transitions can occur.
func (s Submission) Terminal() bool {
	return s.Status.Terminal()
}
