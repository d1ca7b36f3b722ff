package model

import "time"

// AuditEntry records the outcome of one dispatch run. Entries are append-only.
type AuditEntry struct {
	ID              uint64    `json:"id"`
	RunID           string    `json:"runId"`
	DetectionID     string    `json:"detectionId,omitempty"`
	Message         string    `json:"message"`
	Subject         string    `json:"subject,omitempty"`
	Device          string    `json:"device,omitempty"`
	File            string    `json:"file,omitempty"`
	TotalRecipients int       `json:"totalRecipients"`
	SuccessCount    int       `json:"successCount"`
	FailureCount    int       `json:"failureCount"`
	PrunedCount     int       `json:"prunedCount"`
	Detail          string    `json:"detail,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// AuditFilter describes query parameters for audit searching.
type AuditFilter struct {
	Device    string
	Subject   string
	BeginTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}
