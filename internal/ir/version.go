package ir

// Version constants for the store layout and the tool.
const (
	// LayoutVersion is the system table layout version recorded in PRAGMA user_version.
	LayoutVersion = 1

	// Version is the factsync release version.
	Version = "0.1.0"
)
