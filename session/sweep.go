package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stevecastle/anaglyph/storage"
)

// SweepResult counts what a sweep removed.
type SweepResult struct {
	Sessions int `json:"sessions"`
	Objects  int `json:"objects"`
	// IDs lists the sessions whose rows were deleted.
	IDs []string `json:"-"`
}

// Sweep deletes every session expired at now together with its stored
// objects. A session whose objects cannot be deleted keeps its row so the
// next sweep retries it.
func Sweep(ctx context.Context, st *Store, objects storage.Store, now time.Time) (SweepResult, error) {
	var res SweepResult
	ids, err := st.Expired(ctx, now)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := objects.DeletePrefix(ctx, id)
		res.Objects += n
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if err := st.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		res.Sessions++
		res.IDs = append(res.IDs, id)
	}
	return res, errors.Join(errs...)
}
