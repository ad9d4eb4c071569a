package downloads

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stevecastle/anaglyph/stream"
)

// DownloadManager tracks dependency installs and publishes their progress
// to the hub as "download-progress" events.
type DownloadManager struct {
	mu       sync.RWMutex
	progress map[string]*Progress
	active   int
	hub      *stream.Hub
}

// NewDownloadManager creates a manager that broadcasts on hub. A nil hub
// keeps progress local.
func NewDownloadManager(hub *stream.Hub) *DownloadManager {
	return &DownloadManager{
		progress: make(map[string]*Progress),
		hub:      hub,
	}
}

// Install runs downloadFn for one dependency, recording every progress
// report it makes plus a final complete, error or cancelled entry.
func (m *DownloadManager) Install(ctx context.Context, depID string, depName string, downloadFn func(context.Context, ProgressCallback) error) error {
	m.mu.Lock()
	m.active++
	m.progress[depID] = &Progress{
		DependencyID:   depID,
		DependencyName: depName,
		Status:         StatusPending,
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	progressCb := func(p Progress) {
		p.DependencyID = depID
		p.DependencyName = depName
		m.updateProgress(depID, &p)
		m.broadcastProgress()
	}

	progressCb(Progress{Status: StatusDownloading, Message: "Starting download..."})

	err := downloadFn(ctx, progressCb)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			progressCb(Progress{Status: StatusCancelled, Message: "Download cancelled"})
		} else {
			progressCb(Progress{Status: StatusError, Error: err.Error(), Message: "Download failed"})
		}
		return err
	}

	progressCb(Progress{Status: StatusComplete, Message: "Installation complete", Percent: 100})
	return nil
}

// GetProgress returns the current progress of all downloads, ordered by dependency ID.
func (m *DownloadManager) GetProgress() OverallProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var overall OverallProgress
	overall.Dependencies = make([]Progress, 0, len(m.progress))
	overall.Installing = m.active > 0

	var totalPercent float64
	for _, p := range m.progress {
		overall.Dependencies = append(overall.Dependencies, *p)
		overall.TotalDeps++
		if p.Status == StatusComplete {
			overall.CompletedCount++
		}
		totalPercent += p.Percent
	}
	sort.Slice(overall.Dependencies, func(i, j int) bool {
		return overall.Dependencies[i].DependencyID < overall.Dependencies[j].DependencyID
	})

	if overall.TotalDeps > 0 {
		overall.OverallPercent = totalPercent / float64(overall.TotalDeps)
	}
	return overall
}

// GetDependencyProgress returns the progress for a specific dependency.
func (m *DownloadManager) GetDependencyProgress(depID string) (Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.progress[depID]; ok {
		return *p, true
	}
	return Progress{}, false
}

// ClearProgress clears all progress data.
func (m *DownloadManager) ClearProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = make(map[string]*Progress)
}

// IsInstalling reports whether an Install call is running.
func (m *DownloadManager) IsInstalling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active > 0
}

func (m *DownloadManager) updateProgress(depID string, p *Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[depID] = p
}

func (m *DownloadManager) broadcastProgress() {
	if m.hub == nil {
		return
	}
	data, err := json.Marshal(m.GetProgress())
	if err != nil {
		return
	}
	m.hub.Broadcast(stream.Message{
		Type: "download-progress",
		Msg:  string(data),
	})
}

// SpeedTracker tracks download speed over time.
type SpeedTracker struct {
	mu          sync.Mutex
	lastBytes   int64
	lastTime    time.Time
	speedWindow []int64
	now         func() time.Time
}

// NewSpeedTracker creates a new SpeedTracker.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{
		lastTime:    time.Now(),
		speedWindow: make([]int64, 0, 10),
		now:         time.Now,
	}
}

// Update records the running byte total and returns the average speed over
// the last ten samples.
func (s *SpeedTracker) Update(totalBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.lastTime).Seconds()

	if elapsed < 0.1 {
		return s.averageSpeed()
	}

	speed := int64(float64(totalBytes-s.lastBytes) / elapsed)
	s.lastBytes = totalBytes
	s.lastTime = now

	s.speedWindow = append(s.speedWindow, speed)
	if len(s.speedWindow) > 10 {
		s.speedWindow = s.speedWindow[1:]
	}
	return s.averageSpeed()
}

func (s *SpeedTracker) averageSpeed() int64 {
	if len(s.speedWindow) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.speedWindow {
		sum += v
	}
	return sum / int64(len(s.speedWindow))
}

// ByteReporter adapts a ProgressCallback to DownloadFile's byte callback,
// filling in percent and speed.
func ByteReporter(cb ProgressCallback, label string) ByteProgressCallback {
	if cb == nil {
		return nil
	}
	tracker := NewSpeedTracker()
	return func(downloaded, total int64) {
		p := Progress{
			Status:          StatusDownloading,
			BytesDownloaded: downloaded,
			TotalBytes:      total,
			Speed:           tracker.Update(downloaded),
		}
		if total > 0 {
			p.Percent = float64(downloaded) / float64(total) * 100
			p.Message = label + " " + FormatBytes(downloaded) + " / " + FormatBytes(total)
		} else {
			p.Message = label + " " + FormatBytes(downloaded)
		}
		if p.Speed > 0 {
			p.Message += " (" + FormatSpeed(p.Speed) + ")"
		}
		cb(p)
	}
}
