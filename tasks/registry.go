// Package tasks holds the commands the job queue can run: depth estimation,
// stereo rendering, session sweeping and model downloads.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/stevecastle/anaglyph/depth"
	"github.com/stevecastle/anaglyph/downloads"
	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/session"
	"github.com/stevecastle/anaglyph/stereo"
	"github.com/stevecastle/anaglyph/storage"
	"github.com/stevecastle/anaglyph/stream"
)

// Command names.
const (
	CommandDepth      = "depth"
	CommandRender     = "render"
	CommandSweep      = "sweep"
	CommandFetchModel = "fetch-model"
)

// DefaultJobRetention is how long the sweep keeps finished jobs.
const DefaultJobRetention = 24 * time.Hour

// Env carries the services tasks run against.
type Env struct {
	Sessions *session.Store
	Storage  storage.Store
	Renders  *stereo.Service
	Hub      *stream.Hub
	// Estimator is called per job so a model fetched after startup is picked up.
	Estimator    func() (depth.Estimator, error)
	Downloads    *downloads.DownloadManager
	JobRetention time.Duration
	Now          func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// publishSession sends the session's current state to subscribers of its topic.
func (e *Env) publishSession(s *session.Session) {
	if e.Hub == nil || s == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	e.Hub.Broadcast(stream.Message{Type: "session", Msg: string(data), Topic: s.ID})
}

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string                                                  `json:"id"`
	Name string                                                  `json:"name"`
	Lane string                                                  `json:"lane"`
	Fn   func(j *jobqueue.Job, q *jobqueue.Queue, env *Env) error `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	RegisterTask(CommandDepth, "Estimate Depth", jobqueue.LaneModel, depthTask)
	RegisterTask(CommandRender, "Render Stereo", jobqueue.LaneDefault, renderTask)
	RegisterTask(CommandSweep, "Sweep Expired Sessions", jobqueue.LaneMaintenance, sweepTask)
	RegisterTask(CommandFetchModel, "Fetch Depth Model", jobqueue.LaneMaintenance, fetchModelTask)
}

func RegisterTask(id, name, lane string, fn func(j *jobqueue.Job, q *jobqueue.Queue, env *Env) error) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Lane: lane,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}

// ConfigureLanes routes every registered command to its lane.
func ConfigureLanes(q *jobqueue.Queue) {
	for id, t := range tasks {
		q.SetCommandLane(id, t.Lane)
	}
}

// finish records err on the job: cancelled when the job context ended,
// errored otherwise, completed when err is nil.
func finish(j *jobqueue.Job, q *jobqueue.Queue, err error) error {
	switch {
	case err == nil:
		q.CompleteJob(j.ID)
	case j.Ctx != nil && j.Ctx.Err() != nil:
		q.PushJobStdout(j.ID, "Task was canceled")
		q.CancelJob(j.ID)
	default:
		q.PushJobStdout(j.ID, "Error: "+err.Error())
		q.ErrorJob(j.ID)
	}
	return err
}
