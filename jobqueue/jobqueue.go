package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/anaglyph/stream"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

// Lanes limit how many jobs of a kind run at once. Depth inference holds a
// model session, so it gets its own lane.
const (
	LaneDefault     = "default"
	LaneModel       = "model"
	LaneMaintenance = "maintenance"

	DefaultLaneLimit = 2
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job with given ID already exists")
	ErrBadState    = errors.New("job is not in a valid state for this operation")
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Job is one queued task invocation. Input is usually a session ID.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Arguments    []string           `json:"arguments"`
	Input        string             `json:"input"`
	Lane         string             `json:"lane"`
	Stdout       []string           `json:"-"`
	Dependencies []string           `json:"dependencies"`
	State        JobState           `json:"state"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == StateCompleted || j.State == StateCancelled || j.State == StateError
}

// Workflow is a job plus the jobs that must finish before it.
type Workflow struct {
	Command   string     `json:"command"`
	Arguments []string   `json:"arguments"`
	Input     string     `json:"input"`
	Children  []Workflow `json:"children"`
}

// Queue is a thread-safe FIFO of jobs with dependencies and per-lane limits.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string
	Signal        chan string
	Db            *sql.DB
	Hub           *stream.Hub // optional; receives job events
	LaneLimits    map[string]int
	CommandLanes  map[string]string
	RunningCounts map[string]int
}

// NewQueue initializes and returns a new in-memory Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		LaneLimits:    map[string]int{LaneModel: 1, LaneMaintenance: 1},
		CommandLanes:  make(map[string]string),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB returns a Queue persisted to db, reloading any saved jobs.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db
	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}
	return q
}

func (q *Queue) createJobsTable() error {
	_, err := q.Db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		arguments TEXT, -- JSON array
		input TEXT,
		lane TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`)
	return err
}

// saveJobToDB must be called with q.mu held.
func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}
	argumentsJSON, _ := json.Marshal(job.Arguments)
	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	_, err := q.Db.Exec(`
	INSERT OR REPLACE INTO jobs (
		id, command, arguments, input, lane, stdout, dependencies, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Command, string(argumentsJSON), job.Input, job.Lane,
		string(stdoutJSON), string(dependenciesJSON), int(job.State),
		job.CreatedAt, job.ClaimedAt, job.CompletedAt, job.ErroredAt, position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	rows, err := q.Db.Query(`
	SELECT id, command, arguments, input, COALESCE(lane, ''), stdout, dependencies, state,
		   created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var job Job
		var argumentsJSON, stdoutJSON, dependenciesJSON string
		var state int
		if err := rows.Scan(&job.ID, &job.Command, &argumentsJSON, &job.Input, &job.Lane,
			&stdoutJSON, &dependenciesJSON, &state,
			&job.CreatedAt, &job.ClaimedAt, &job.CompletedAt, &job.ErroredAt); err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(argumentsJSON), &job.Arguments); err != nil {
			job.Arguments = []string{}
		}
		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}
		job.State = JobState(state)
		if job.Lane == "" {
			job.Lane = LaneDefault
		}

		// a job interrupted by a restart runs again
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}

		job.Ctx, job.Cancel = context.WithCancel(context.Background())
		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumed) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumed), resumed)
		for _, id := range resumed {
			q.signal(id)
		}
	}
	return rows.Err()
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB saves all current jobs to the database
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job %s to database: %v", job.ID, err)
		}
	}
	return nil
}

// signal wakes the runners without blocking; they also poll.
func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// AddJob enqueues a job. An empty id generates a UUID.
func (q *Queue) AddJob(id, command string, arguments []string, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addJobLocked(id, command, arguments, input, dependencies)
}

func (q *Queue) addJobLocked(id, command string, arguments []string, input string, dependencies []string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.Jobs[id]; exists {
		return "", ErrJobExists
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Command:      command,
		Arguments:    arguments,
		Input:        input,
		Lane:         q.laneForLocked(command),
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}
	q.signal(id)
	q.publish("create", job)
	return id, nil
}

// AddWorkflow adds the children of w first, bottom up, then w itself
// depending on them. It returns the ID of the root job.
func (q *Queue) AddWorkflow(w Workflow) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addWorkflowLocked(w)
}

func (q *Queue) addWorkflowLocked(w Workflow) (string, error) {
	dependencies := []string{}
	for _, child := range w.Children {
		id, err := q.addWorkflowLocked(child)
		if err != nil {
			return "", err
		}
		dependencies = append(dependencies, id)
	}
	return q.addJobLocked("", w.Command, w.Arguments, w.Input, dependencies)
}

// CopyJob re-enqueues a job with the same command, arguments and input.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	return q.addJobLocked("", job.Command, job.Arguments, job.Input, job.Dependencies)
}

// ClaimJob returns the oldest pending job whose dependencies completed and
// whose lane has capacity, marking it in progress. It returns nil when
// nothing is claimable.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !q.canClaim(job) {
			continue
		}
		if q.RunningCounts[job.Lane] >= q.laneLimitLocked(job.Lane) {
			continue
		}
		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.RunningCounts[job.Lane]++
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job state to database: %v", err)
		}
		q.publish("update", job)
		return job, nil
	}
	return nil, nil
}

// canClaim checks if a job's dependencies are all completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// finishLocked moves an in-progress job to a terminal state.
func (q *Queue) finishLocked(id string, state JobState) error {
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("%w: %s is %s", ErrBadState, id, job.State)
	}
	job.State = state
	now := time.Now()
	if state == StateError {
		job.ErroredAt = now
	} else {
		job.CompletedAt = now
	}
	q.RunningCounts[job.Lane]--
	job.Cancel()
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job state to database: %v", err)
	}
	q.publish("update", job)
	if state != StateCompleted {
		q.cancelDependentsLocked(id)
	}
	// a finished job may unblock dependents or free its lane
	q.signal(id)
	return nil
}

// cancelDependentsLocked cancels pending jobs that wait on id, directly or
// through other pending jobs. They could never be claimed otherwise.
func (q *Queue) cancelDependentsLocked(id string) {
	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !slices.Contains(job.Dependencies, id) {
			continue
		}
		job.Cancel()
		job.State = StateCancelled
		job.CompletedAt = time.Now()
		job.Stdout = append(job.Stdout, fmt.Sprintf("Dependency %s did not complete", id))
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job cancellation to database: %v", err)
		}
		q.publish("update", job)
		q.cancelDependentsLocked(jobID)
	}
}

// ErrorJob marks an in-progress job as failed.
func (q *Queue) ErrorJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishLocked(id, StateError)
}

// CompleteJob marks an in-progress job as completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishLocked(id, StateCompleted)
}

// CancelJob cancels a pending or running job. A running task sees its
// context cancelled.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("%w: %s is %s", ErrBadState, id, job.State)
	}
	job.Cancel()
	if job.State == StateInProgress {
		q.RunningCounts[job.Lane]--
		q.signal(id)
	}
	job.State = StateCancelled
	job.CompletedAt = time.Now()
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}
	q.publish("update", job)
	q.cancelDependentsLocked(id)
	return nil
}

// PushJobStdout appends a log line to the job and streams it.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Stdout = append(job.Stdout, line)
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job stdout to database: %v", err)
	}
	q.publishStdout(job, line)
	return nil
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

// GetJob returns the live job or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Jobs[id]
}

// Snapshot returns a copy of the job safe to read without the lock.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.Jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *job
	cp.Stdout = append([]string(nil), job.Stdout...)
	return cp, true
}

func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		job.Cancel()
		q.RunningCounts[job.Lane]--
	}
	q.removeLocked(id)
	return nil
}

func (q *Queue) removeLocked(id string) {
	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}
	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job %s from database: %v", id, err)
	}
	q.publish("delete", &Job{ID: id})
}

// ClearNonRunningJobs removes every job that is not in progress and
// returns how many were removed.
func (q *Queue) ClearNonRunningJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var remove []string
	for _, id := range q.JobOrder {
		if q.Jobs[id].State != StateInProgress {
			remove = append(remove, id)
		}
	}
	for _, id := range remove {
		q.removeLocked(id)
	}
	return len(remove), nil
}

// PruneFinished removes terminal jobs that finished before cutoff.
func (q *Queue) PruneFinished(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var remove []string
	for _, id := range q.JobOrder {
		job := q.Jobs[id]
		if !job.Finished() {
			continue
		}
		end := job.CompletedAt
		if job.State == StateError {
			end = job.ErroredAt
		}
		if end.Before(cutoff) {
			remove = append(remove, id)
		}
	}
	for _, id := range remove {
		q.removeLocked(id)
	}
	return len(remove)
}

// ActiveCount returns how many jobs of command are pending or running.
func (q *Queue) ActiveCount(command string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.Jobs {
		if job.Command == command && !job.Finished() {
			n++
		}
	}
	return n
}

// SetCommandLane routes every job of command to lane.
func (q *Queue) SetCommandLane(command, lane string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CommandLanes[command] = lane
}

// SetLaneLimit sets how many jobs of lane may run at once.
func (q *Queue) SetLaneLimit(lane string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.LaneLimits[lane] = limit
}

func (q *Queue) laneForLocked(command string) string {
	if lane, ok := q.CommandLanes[command]; ok && lane != "" {
		return lane
	}
	return LaneDefault
}

func (q *Queue) laneLimitLocked(lane string) int {
	if limit, ok := q.LaneLimits[lane]; ok {
		return limit
	}
	return DefaultLaneLimit
}

// Event is the JSON payload of job stream messages.
type Event struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

// StdoutEvent is the JSON payload of "stdout-<id>" stream messages.
type StdoutEvent struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

// publish sends a job event tagged with the job input, which for session
// tasks is the session ID the editor page subscribes to.
func (q *Queue) publish(updateType string, job *Job) {
	if q.Hub == nil {
		return
	}
	j, err := json.Marshal(Event{UpdateType: updateType, Job: *job})
	if err != nil {
		log.Printf("error marshalling job event: %v", err)
		return
	}
	q.Hub.Broadcast(stream.Message{Type: "job", Msg: string(j), Topic: job.Input})
}

func (q *Queue) publishStdout(job *Job, line string) {
	if q.Hub == nil {
		return
	}
	j, err := json.Marshal(StdoutEvent{UpdateType: "stdout", Line: line})
	if err != nil {
		return
	}
	q.Hub.Broadcast(stream.Message{Type: "stdout-" + job.ID, Msg: string(j), Topic: job.Input})
}
