package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stevecastle/anaglyph/depth"
	"github.com/stevecastle/anaglyph/imageio"
	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/session"
)

// ErrNoEstimator is returned when the environment has no depth estimator.
var ErrNoEstimator = errors.New("no depth estimator configured")

// depthTask estimates depth for the session named by the job input and
// stores it as a 16-bit PNG.
func depthTask(j *jobqueue.Job, q *jobqueue.Queue, env *Env) error {
	ctx := j.Ctx
	id := strings.TrimSpace(j.Input)

	sess, err := env.Sessions.Get(ctx, id)
	if err != nil {
		return finish(j, q, fmt.Errorf("session %s: %w", id, err))
	}
	if err := env.Sessions.SetState(ctx, id, session.StateDepthPending, ""); err != nil {
		return finish(j, q, err)
	}
	env.Sessions.SetJob(ctx, id, j.ID)
	sess.State = session.StateDepthPending
	env.publishSession(sess)

	if err := estimateAndStore(ctx, j, q, env, sess); err != nil {
		// record the failure even when the job context was cancelled
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "depth estimation cancelled"
		}
		if serr := env.Sessions.SetState(context.Background(), id, session.StateFailed, msg); serr == nil {
			sess.State, sess.Error = session.StateFailed, msg
			env.publishSession(sess)
		}
		return finish(j, q, err)
	}

	if err := env.Sessions.SetState(ctx, id, session.StateDepthReady, ""); err != nil {
		return finish(j, q, err)
	}
	sess.State = session.StateDepthReady
	env.publishSession(sess)
	q.PushJobStdout(j.ID, "Depth map ready")
	return finish(j, q, nil)
}

func estimateAndStore(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env, sess *session.Session) error {
	if env.Estimator == nil {
		return ErrNoEstimator
	}
	est, err := env.Estimator()
	if err != nil {
		return fmt.Errorf("load estimator: %w", err)
	}

	rc, err := env.Storage.Get(ctx, sess.Key(session.SourceName))
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	img, _, err := imageio.Decode(rc, imageio.DefaultMaxPixels)
	rc.Close()
	if err != nil {
		return fmt.Errorf("decode source: %w", err)
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Estimating depth for %dx%d image", img.Bounds().Dx(), img.Bounds().Dy()))
	raw, err := est.Estimate(ctx, img)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}
	dm, err := depth.Normalize(raw)
	if err != nil {
		return err
	}
	data, err := imageio.PNGBytes(depth.ToGray16(dm))
	if err != nil {
		return err
	}
	if err := env.Storage.Put(ctx, sess.Key(session.DepthName), bytes.NewReader(data), "image/png"); err != nil {
		return fmt.Errorf("store depth: %w", err)
	}
	if env.Renders != nil {
		env.Renders.Forget(sess.ID)
	}
	return nil
}
