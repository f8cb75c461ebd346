package model

// This package models upload sessions and clients in the sqlite database

type UploadStatus string

const (
	StatusInit         UploadStatus = "init"
	StatusUploading    UploadStatus = "uploading"
	StatusComplete     UploadStatus = "complete"
	StatusDisconnected UploadStatus = "disconnected"
)

type UploadRow struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Client   string `json:"client"`

	Size        int64        `json:"size"`
	Status      UploadStatus `json:"status"` // to model state machine
	StartedAt   string       `json:"started_at"`
	UpdatedAt   string       `json:"updated_at"`
	CompletedAt string       `json:"completed_at,omitempty"`

	ArchivedAt      string `json:"archived_at,omitempty"`
	ArchiveAttempts int64  `json:"-"`
	ArchiveError    string `json:"-"`
}

type ClientRow struct {
	Identity  string `json:"identity"`
	UserAgent string `json:"user_agent"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
	Status    string `json:"status"`
}
