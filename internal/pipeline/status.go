package pipeline

import "sync/atomic"

// Status tracks liveness of the two consumer loops for health reporting.
type Status struct {
	liveAlive        atomic.Bool
	lakehouseAlive   atomic.Bool
	lakehouseRunning atomic.Bool
}

// SetLiveAlive marks the live loop goroutine as running or stopped.
func (s *Status) SetLiveAlive(v bool) { s.liveAlive.Store(v) }

// SetLakehouseAlive marks the durable loop goroutine as running or stopped.
func (s *Status) SetLakehouseAlive(v bool) { s.lakehouseAlive.Store(v) }

// SetLakehouseRunning marks whether the durable loop is still processing,
// as opposed to halted after a fatal store failure.
func (s *Status) SetLakehouseRunning(v bool) { s.lakehouseRunning.Store(v) }

// LiveAlive reports whether the live loop goroutine is running.
func (s *Status) LiveAlive() bool { return s.liveAlive.Load() }

// LakehouseAlive reports whether the durable loop goroutine is running.
func (s *Status) LakehouseAlive() bool { return s.lakehouseAlive.Load() }

// LakehouseRunning reports whether the durable loop is still processing.
func (s *Status) LakehouseRunning() bool { return s.lakehouseRunning.Load() }
