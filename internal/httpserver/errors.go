package httpserver

const (
	ErrMissingID  = "missing id"
	ErrDependency = "dependency error"
	ErrNotFound   = "not found"
	ErrNotReady   = "not ready"
)
