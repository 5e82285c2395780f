package pmfs

import "github.com/pkg/errors"

// Sentinel error kinds. Subsystems wrap these with errors.Wrap to attach
// context; callers compare with errors.Is.
var (
	ErrNoSpace    = errors.New("pmfs: no space left in region")
	ErrInvalid    = errors.New("pmfs: invalid on-media structure")
	ErrNoData     = errors.New("pmfs: no such entry")
	ErrReadOnly   = errors.New("pmfs: filesystem mounted read-only")
	ErrCorrupt    = errors.New("pmfs: checksum mismatch")
	ErrNotMounted = errors.New("pmfs: filesystem not mounted")
)
