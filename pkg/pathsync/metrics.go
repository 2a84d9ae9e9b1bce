package pathsync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Metrics defines the interface for collecting and reporting synchronization statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesUpToDate(n int64)
	AddDirsCreated(n int64)
	AddEntriesSkipped(n int64)
	AddBytesWritten(n int64)
	AddEntriesProcessed(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// SyncMetrics holds the atomic counters for tracking a run's progress.
type SyncMetrics struct {
	FilesCopied      atomic.Int64
	FilesUpToDate    atomic.Int64
	DirsCreated      atomic.Int64
	EntriesSkipped   atomic.Int64
	BytesWritten     atomic.Int64
	EntriesProcessed atomic.Int64

	startTime time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
}

func (m *SyncMetrics) AddFilesCopied(n int64)      { m.FilesCopied.Add(n) }
func (m *SyncMetrics) AddFilesUpToDate(n int64)    { m.FilesUpToDate.Add(n) }
func (m *SyncMetrics) AddDirsCreated(n int64)      { m.DirsCreated.Add(n) }
func (m *SyncMetrics) AddEntriesSkipped(n int64)   { m.EntriesSkipped.Add(n) }
func (m *SyncMetrics) AddBytesWritten(n int64)     { m.BytesWritten.Add(n) }
func (m *SyncMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }

// StartProgress logs the live counters every interval until StopProgress is called.
func (m *SyncMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *SyncMetrics) StopProgress() {
	m.stopOnce.Do(func() {
		if m.stopChan != nil {
			close(m.stopChan)
		}
	})
}

// LogSummary prints the counters with a custom message.
// This can be called by the progress ticker or at the end of the run.
func (m *SyncMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"files_copied", m.FilesCopied.Load(),
		"files_uptodate", m.FilesUpToDate.Load(),
		"dirs_created", m.DirsCreated.Load(),
		"entries_skipped", m.EntriesSkipped.Load(),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddFilesUpToDate(n int64)                         {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddEntriesSkipped(n int64)                        {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
