package models

// ParameterSpec describes one accepted config key for a backend
type ParameterSpec struct {
	Type        string      `json:"type"`
	Min         *float64    `json:"min,omitempty"`
	Max         *float64    `json:"max,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Capabilities is a backend's self-description: which config parameters it
// accepts, whether it is wired, and why not if it isn't. The API's config
// validator uses it to reject unsupported parameters with a response that
// names the backend and the reason.
type Capabilities struct {
	Backend    string                   `json:"backend"`
	Supported  bool                     `json:"supported"`
	Status     string                   `json:"status"` // "available", "mock", "unwired"
	Notes      string                   `json:"notes,omitempty"`
	Parameters map[string]ParameterSpec `json:"parameters"`
}
