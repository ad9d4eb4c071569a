package tasks

import (
	"fmt"

	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/session"
)

// sweepTask removes expired sessions with their stored objects and prunes
// old finished jobs.
func sweepTask(j *jobqueue.Job, q *jobqueue.Queue, env *Env) error {
	now := env.now()
	res, err := session.Sweep(j.Ctx, env.Sessions, env.Storage, now)
	if env.Renders != nil {
		for _, id := range res.IDs {
			env.Renders.Forget(id)
		}
	}

	retention := env.JobRetention
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	pruned := q.PruneFinished(now.Add(-retention))

	q.PushJobStdout(j.ID, fmt.Sprintf("Removed %d sessions (%d objects), pruned %d jobs", res.Sessions, res.Objects, pruned))
	return finish(j, q, err)
}
