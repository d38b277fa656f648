package log

// Canonical field name constants for structured logging.
const (
	FieldRunID     = "run_id"
	FieldComponent = "component"
	FieldStep      = "step"
	FieldStatus    = "status"

	// Process fields
	FieldTool       = "tool"
	FieldArgv       = "argv"
	FieldExitCode   = "exit_code"
	FieldDurationMS = "duration_ms"
	FieldPID        = "pid"

	// Imaging fields
	FieldSeriesUID = "series_uid"
	FieldStack     = "stack"
	FieldSlices    = "slices"

	FieldPath = "path"
	FieldDir  = "dir"
)
