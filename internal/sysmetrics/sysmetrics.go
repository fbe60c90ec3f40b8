// Package sysmetrics samples process CPU and memory usage.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

type sample struct {
	at      time.Time
	cpuTime time.Duration
}

var (
	mu      sync.Mutex
	last    sample
	lastPct float64
)

func init() {
	last = take()
}

func take() sample {
	s := sample{at: time.Now()}
	var ru syscall.Rusage
	if syscall.Getrusage(syscall.RUSAGE_SELF, &ru) == nil {
		s.cpuTime = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	}
	return s
}

// CPUPercent is user plus system CPU time over wall time since the
// previous call. It exceeds 100 when several cores are busy.
func CPUPercent() float64 {
	cur := take()
	mu.Lock()
	defer mu.Unlock()
	wall := cur.at.Sub(last.at)
	if wall <= 0 {
		return lastPct
	}
	lastPct = float64(cur.cpuTime-last.cpuTime) / float64(wall) * 100
	last = cur
	return lastPct
}

// Memory is the runtime's view of process memory, in bytes.
type Memory struct {
	// Inuse is live heap spans plus goroutine stacks.
	Inuse int64 `json:"inuse"`
	// Sys is everything obtained from the OS, reserved or not.
	Sys        int64 `json:"sys"`
	Goroutines int   `json:"goroutines"`
}

// ReadMemory samples runtime memory statistics.
func ReadMemory() Memory {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Memory{
		Inuse:      int64(m.HeapInuse + m.StackInuse),
		Sys:        int64(m.Sys),
		Goroutines: runtime.NumGoroutine(),
	}
}
