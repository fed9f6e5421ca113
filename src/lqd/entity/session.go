package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

// WorkspaceRoot is the canonicalized root directory a daemon serves.
type WorkspaceRoot string

// WorkspaceSession records one live daemon for one workspace root. The lock
// file on disk is the durable form; at most one live session exists per root.
type WorkspaceSession struct {
	ID            string    `json:"id"`
	WorkspaceRoot string    `json:"workspace"`
	Socket        string    `json:"socket"`
	PID           int       `json:"pid"`
	Created       time.Time `json:"created"`
}

// PendingRequest tracks one dispatched client request until its response is
// delivered or the connection goes away.
type PendingRequest struct {
	ID       string
	Conn     uuid.UUID
	Method   string
	Received time.Time
}

// StatusResult is the response body of the status admin method.
type StatusResult struct {
	Status        string            `json:"status"`
	Workspace     string            `json:"workspace"`
	PID           int               `json:"pid"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	Languages     map[string]string `json:"languages"`
	OpenDocuments int               `json:"openDocuments"`
	CacheEntries  int               `json:"cacheEntries"`
}

// LogsResult is the response body of the logs admin method.
type LogsResult struct {
	Lines []string `json:"lines"`
}
