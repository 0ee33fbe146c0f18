package chat

import "time"

// DefaultJobLease bounds how long a claimed job stays with one delivery.
const DefaultJobLease = 5 * time.Minute

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous turn: the user message is already persisted and the
// worker produces the model reply.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"jobId"` // ULID length

	UserID         string `gorm:"type:varchar(191);not null;index:uniq_job_user_idempo,unique,priority:1" json:"userId"`
	ConversationID string `gorm:"size:26;index;not null" json:"conversationId"`
	UserMessageID  uint64 `gorm:"not null" json:"userMessageId"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_user_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Set while running; only the holder of the token may finish the job
	ClaimToken *string    `gorm:"size:26" json:"-"`
	LeaseUntil *time.Time `gorm:"index" json:"-"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index" json:"resultMessageId,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Job) TableName() string { return "chat_jobs" }
