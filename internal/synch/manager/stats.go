package manager

import "sync/atomic"

// Stats counts manager activity. All counters are updated atomically and
// may be read at any time through Snapshot.
type Stats struct {
	Waits           atomic.Uint64 // waits started
	Contentions     atomic.Uint64 // waits that had to block
	Timeouts        atomic.Uint64 // waits that timed out
	RemoteSignals   atomic.Uint64 // remote-signal commands sent
	Delegations     atomic.Uint64 // delegated-signal commands sent
	StaleSignals    atomic.Uint64 // remote signals dropped by the worker
	Promotions      atomic.Uint64 // local records promoted to shared
	Abandonments    atomic.Uint64 // objects abandoned by exiting threads
	APCsQueued      atomic.Uint64
	APCsDispatched  atomic.Uint64
	ProcessExits    atomic.Uint64 // monitored processes seen exiting
	SecondWaits     atomic.Uint64 // timed-out waits that lost the wakeup race
	SendFailures    atomic.Uint64 // pipe sends that failed
	ResourceErrors  atomic.Uint64 // pool exhaustion
	InternalErrors  atomic.Uint64
	ControllersLive atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Waits           uint64
	Contentions     uint64
	Timeouts        uint64
	RemoteSignals   uint64
	Delegations     uint64
	StaleSignals    uint64
	Promotions      uint64
	Abandonments    uint64
	APCsQueued      uint64
	APCsDispatched  uint64
	ProcessExits    uint64
	SecondWaits     uint64
	SendFailures    uint64
	ResourceErrors  uint64
	InternalErrors  uint64
	ControllersLive int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Waits:           s.Waits.Load(),
		Contentions:     s.Contentions.Load(),
		Timeouts:        s.Timeouts.Load(),
		RemoteSignals:   s.RemoteSignals.Load(),
		Delegations:     s.Delegations.Load(),
		StaleSignals:    s.StaleSignals.Load(),
		Promotions:      s.Promotions.Load(),
		Abandonments:    s.Abandonments.Load(),
		APCsQueued:      s.APCsQueued.Load(),
		APCsDispatched:  s.APCsDispatched.Load(),
		ProcessExits:    s.ProcessExits.Load(),
		SecondWaits:     s.SecondWaits.Load(),
		SendFailures:    s.SendFailures.Load(),
		ResourceErrors:  s.ResourceErrors.Load(),
		InternalErrors:  s.InternalErrors.Load(),
		ControllersLive: s.ControllersLive.Load(),
	}
}
