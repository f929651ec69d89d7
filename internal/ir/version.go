package ir

// Version constants recorded in session_metadata.
const (
	// EngineVersion is the agentsync engine version.
	EngineVersion = "0.3.0"

	// WorkflowTemplateVersion identifies the phase map generation.
	WorkflowTemplateVersion = "2"
)
