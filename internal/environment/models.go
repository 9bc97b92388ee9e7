// Package environment holds the environment-config record a session picks
// a sandbox provider and its provider-specific settings from, plus the
// seeded default set a fresh deployment starts with.
package environment

import "time"

// MountTemplate names a host-to-container bind mount. Source may contain
// `{placeholder}` tokens a provider substitutes per-session (workspace
// checkout dir, agent state dir, and so on).
type MountTemplate struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// ResourceLimits are the resource-sizing inputs an environment config
// carries; a sandbox provider that cannot honor one ignores it.
type ResourceLimits struct {
	MemoryMB       int     `json:"memoryMb"`
	CPUCores       float64 `json:"cpuCores"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

// Config is an "environment config": a sandbox provider type plus the
// provider-specific settings needed to create a sandbox from it, and an
// optional default flag so a deployment can pick one implicitly when a
// session is created without naming an environment.
type Config struct {
	ID             string
	Name           string
	Description    string
	SandboxType    string
	Image          string
	Tag            string
	WorkingDir     string
	RequiredEnv    []string
	Mounts         []MountTemplate
	ResourceLimits ResourceLimits
	Capabilities   []string
	Default        bool
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
