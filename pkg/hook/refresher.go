// Package hook runs the follow-up work of a finished batch: refreshing the destination
// listing and scheduling the debounced refresh command.
package hook

import (
	"context"
	"fmt"

	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
	"dropxfer/pkg/storage"
	"dropxfer/pkg/transfer"
)

// DestinationLister lists the directory a batch was written to.
type DestinationLister interface {
	ListDestination(ctx context.Context, dest transfer.Destination) ([]storage.FileMetadata, error)
}

type Trigger interface {
	Trigger(ctx context.Context, p shared.RefreshPayload) error
}

type Refresher struct {
	lister  DestinationLister
	trigger Trigger
	logger  *logger.Logger
}

var _ transfer.Refresher = (*Refresher)(nil)

// NewRefresher builds a refresher. trigger may be nil when no refresh command runs.
func NewRefresher(lister DestinationLister, trigger Trigger, l *logger.Logger) *Refresher {
	if l == nil {
		l = logger.Default()
	}
	return &Refresher{lister: lister, trigger: trigger, logger: l}
}

func (r *Refresher) Refresh(ctx context.Context, dest transfer.Destination) error {
	entries, err := r.lister.ListDestination(ctx, dest)
	if err != nil {
		return fmt.Errorf("list destination: %w", err)
	}

	files, dirs := 0, 0
	for _, e := range entries {
		if e.IsDir {
			dirs++
		} else {
			files++
		}
	}
	r.logger.Info("destination refreshed", map[string]any{
		"connection_id": dest.ConnectionID,
		"session_id":    dest.SessionID,
		"dir":           dest.Path,
		"files":         files,
		"dirs":          dirs,
	})

	if r.trigger == nil {
		return nil
	}
	if err := r.trigger.Trigger(ctx, shared.RefreshPayload{
		ConnectionID: dest.ConnectionID,
		SessionID:    dest.SessionID,
		Dir:          dest.Path,
	}); err != nil {
		return fmt.Errorf("trigger refresh task: %w", err)
	}
	return nil
}
