package protocol

const (
	ErrNotFound        = "E_NOT_FOUND"
	ErrConflict        = "E_CONFLICT"
	ErrInvalidRequest  = "E_INVALID_REQUEST"
	ErrUnavailable     = "E_UNAVAILABLE"
	ErrUnknownPipeline = "E_UNKNOWN_PIPELINE"
)
