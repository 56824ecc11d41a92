// Package diag collects process diagnostics for the daemon's status
// surface.
package diag

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is one point-in-time view of the engine process.
type Snapshot struct {
	PID         int32     `json:"pid"`
	RSSBytes    uint64    `json:"rssBytes"`
	CPUPercent  float64   `json:"cpuPercent"`
	Goroutines  int       `json:"goroutines"`
	CollectedAt time.Time `json:"collectedAt"`
}

// Collect gathers a snapshot of the current process. CPU and memory come
// from gopsutil; a probe failure leaves the corresponding field zero rather
// than failing the whole snapshot.
func Collect() (Snapshot, error) {
	snap := Snapshot{
		PID:         int32(os.Getpid()),
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}
	p, err := process.NewProcess(snap.PID)
	if err != nil {
		return snap, err
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	return snap, nil
}
