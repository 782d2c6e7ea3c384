package chamber

import "errors"

var (
	// ErrConfiguration marks a region whose bounds or space cannot be used. Fatal to one cycle.
	ErrConfiguration = errors.New("chamber: configuration error")
	// ErrIO marks snapshot read/write failures. Fatal to the restoring step only.
	ErrIO = errors.New("chamber: io error")
	// ErrValidation marks an empty or corrupt snapshot; handled like a missing one.
	ErrValidation = errors.New("chamber: validation error")
	// ErrCellWrite is recorded per cell and never aborts a batch.
	ErrCellWrite = errors.New("chamber: cell write error")
	// ErrTimeout marks a bounded wait that expired; callers proceed best-effort.
	ErrTimeout = errors.New("chamber: timeout")

	ErrWorldUnavailable = errors.New("chamber: world unavailable")
	ErrNotOwner         = errors.New("chamber: position not owned by this context")
	ErrUnknownRegion    = errors.New("chamber: unknown region")
)
