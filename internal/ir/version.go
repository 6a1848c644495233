package ir

const (
	// IRVersion is the record schema version written to the action log.
	IRVersion = "1"

	// EngineVersion is the syncflow engine version.
	EngineVersion = "0.1.0"
)
