package transfer

import (
	"context"

	"dropxfer/pkg/logger"
)

type mkdirFunc func(ctx context.Context, path string) error

// DirEnsurer creates destination directories at most once per batch. Creation errors,
// including "already exists", are swallowed and the path still counts as ensured.
type DirEnsurer struct {
	mkdir    mkdirFunc
	ensured  map[string]struct{}
	attempts int
	logger   *logger.Logger
}

func NewDirEnsurer(mkdir func(ctx context.Context, path string) error, l *logger.Logger) *DirEnsurer {
	if l == nil {
		l = logger.Default()
	}
	return &DirEnsurer{
		mkdir:   mkdir,
		ensured: make(map[string]struct{}),
		logger:  l,
	}
}

// newDestinationEnsurer picks the mkdir capability matching dest; a bridge without one
// yields an ensurer that only memoizes.
func newDestinationEnsurer(bridge any, dest Destination, l *logger.Logger) *DirEnsurer {
	var mkdir mkdirFunc
	if dest.IsLocal {
		if m, ok := bridge.(LocalDirMaker); ok {
			mkdir = m.MkdirLocal
		}
	} else if m, ok := bridge.(SFTPDirMaker); ok {
		sessionID := dest.SessionID
		mkdir = func(ctx context.Context, path string) error {
			return m.MkdirSFTP(ctx, sessionID, path)
		}
	}
	return NewDirEnsurer(mkdir, l)
}

func (e *DirEnsurer) Ensure(ctx context.Context, path string) {
	if _, ok := e.ensured[path]; ok {
		return
	}
	e.ensured[path] = struct{}{}

	if e.mkdir == nil {
		return
	}
	e.attempts++
	if err := e.mkdir(ctx, path); err != nil {
		e.logger.Debug("mkdir failed, treating directory as present", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
	}
}

// Attempts is the number of underlying creation calls made so far.
func (e *DirEnsurer) Attempts() int {
	return e.attempts
}
