// Package session holds the top-level Session object, its relational
// store, and the debounced inactivity-clock writer the hub and reaper
// share.
package session

import "time"

// Mode distinguishes a session's client surface: chat sessions have no
// repository/branch metadata, code sessions do.
type Mode string

const (
	ModeChat Mode = "chat"
	ModeCode Mode = "code"
)

// Status is the session status machine's current state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusArchived Status = "archived"
	StatusError    Status = "error"
)

// Session is the top-level object a relay deployment tracks: one per
// chat or code conversation with an agent.
type Session struct {
	ID                  string    `json:"id" db:"id"`
	Mode                Mode      `json:"mode" db:"mode"`
	Status              Status    `json:"status" db:"status"`
	EnvironmentID       string    `json:"environmentId" db:"environment_id"`
	RepositoryURL       string    `json:"repositoryUrl,omitempty" db:"repository_url"`
	Branch              string    `json:"branch,omitempty" db:"branch"`
	WorkspacePath       string    `json:"workspacePath,omitempty" db:"workspace_path"`
	DataDir             string    `json:"dataDir" db:"data_dir"`
	SandboxProviderType string    `json:"sandboxProviderType,omitempty" db:"sandbox_provider_type"`
	SandboxProviderID   string    `json:"sandboxProviderId,omitempty" db:"sandbox_provider_id"`
	LastActivityAt      time.Time `json:"lastActivityAt" db:"last_activity_at"`
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time `json:"updatedAt" db:"updated_at"`
}
