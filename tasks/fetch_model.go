package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/stevecastle/anaglyph/deps"
	"github.com/stevecastle/anaglyph/downloads"
	"github.com/stevecastle/anaglyph/jobqueue"
)

// fetchModelTask installs a registered dependency, the depth model unless
// the job input names another.
func fetchModelTask(j *jobqueue.Job, q *jobqueue.Queue, env *Env) error {
	depID := strings.TrimSpace(j.Input)
	if depID == "" {
		depID = deps.DepthModelID
	}
	dep, ok := deps.Get(depID)
	if !ok {
		return finish(j, q, fmt.Errorf("%w: %s", deps.ErrUnknownDependency, depID))
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Dependency: %s (%s)", dep.Name, dep.Description))

	metadata := deps.GetMetadataStore()
	metadata.UpdateStatus(depID, deps.StatusDownloading)
	metadata.SetJobID(depID, j.ID)
	metadata.Save()

	manager := env.Downloads
	if manager == nil {
		manager = downloads.NewDownloadManager(env.Hub)
	}
	err := manager.Install(j.Ctx, dep.ID, dep.Name, func(ctx context.Context, progress downloads.ProgressCallback) error {
		return dep.DownloadFn(ctx, stdoutProgress(j, q, progress))
	})

	metadata.ClearJobID(depID)
	if err != nil {
		metadata.UpdateStatus(depID, deps.StatusNotInstalled)
	} else {
		metadata.UpdateStatus(depID, deps.StatusInstalled)
		q.PushJobStdout(j.ID, fmt.Sprintf("Successfully installed %s", dep.Name))
	}
	metadata.Save()
	return finish(j, q, err)
}

// stdoutProgress forwards progress to next and copies it to the job log at
// most once per ten percent, plus every status change.
func stdoutProgress(j *jobqueue.Job, q *jobqueue.Queue, next downloads.ProgressCallback) downloads.ProgressCallback {
	var lastStatus downloads.DownloadStatus
	lastBucket := -1
	return func(p downloads.Progress) {
		if next != nil {
			next(p)
		}
		bucket := int(p.Percent / 10)
		if p.Status == lastStatus && bucket == lastBucket {
			return
		}
		lastStatus, lastBucket = p.Status, bucket
		if p.Message != "" {
			q.PushJobStdout(j.ID, p.Message)
		}
	}
}
