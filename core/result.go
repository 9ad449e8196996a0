package core

import "encoding/json"

// ResultKind is the terminal (or scheduled) state of an avatar response.
type ResultKind string

const (
	ResultScheduled ResultKind = "scheduled"
	ResultDelivered ResultKind = "delivered"
	ResultSkipped   ResultKind = "skipped"
	ResultCancelled ResultKind = "cancelled"
	ResultFailed    ResultKind = "failed"
)

// Reasons reported to the chat system.
const (
	ReasonNotActive   = "Avatar not active"
	ReasonOnline      = "User is now online"
	ReasonNotDirect   = "Not a direct conversation"
	ReasonOwnMessage  = "Message authored by avatar"
	ReasonRateLimited = "Avatar reply rate exceeded"
	ReasonNoRecipient = "Recipient not found"
)

// Result is the single outcome type of the avatar pipeline.
type Result struct {
	Kind      ResultKind `json:"kind"`
	MessageID string     `json:"messageId,omitempty"`
	JobID     string     `json:"jobId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Scheduled means a delayed job was queued. It is the answer Handle gives.
func Scheduled(jobID string) Result { return Result{Kind: ResultScheduled, JobID: jobID} }

// Delivered means the avatar inserted a reply.
func Delivered(messageID string) Result { return Result{Kind: ResultDelivered, MessageID: messageID} }

// Skipped means the message never qualified for a reply.
func Skipped(reason string) Result { return Result{Kind: ResultSkipped, Reason: reason} }

// Cancelled means a scheduled job found its preconditions gone.
func Cancelled(reason string) Result { return Result{Kind: ResultCancelled, Reason: reason} }

// Failed means the job errored. It is never retried.
func Failed(detail string) Result { return Result{Kind: ResultFailed, Reason: detail} }

// Success is true when a reply was delivered or is on its way.
func (r Result) Success() bool {
	return r.Kind == ResultDelivered || r.Kind == ResultScheduled
}

// MarshalJSON adds the derived "success" flag the chat system reads.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		Success bool `json:"success"`
		plain
	}{Success: r.Success(), plain: plain(r)})
}

// Terminal reports whether the job has finished.
func (r Result) Terminal() bool {
	return r.Kind != ResultScheduled
}
