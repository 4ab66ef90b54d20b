package manager

// acquireLocal takes the local synch lock on behalf of th. Re-entrant.
func (m *Manager) acquireLocal(th *Thread) {
	if th.localLocks == 0 {
		m.localMu.Lock()
	}
	th.localLocks++
}

// releaseLocal drops one hold of the local synch lock. When the last hold
// goes, the wakeups th decided while holding it are delivered.
func (m *Manager) releaseLocal(th *Thread) {
	if th.localLocks <= 0 {
		m.internalError("releaseLocal", "thread %d does not hold the local lock", th.tid)
		return
	}
	th.localLocks--
	if th.localLocks > 0 {
		return
	}
	if th.sharedLocks > 0 {
		m.internalError("releaseLocal", "thread %d releases local lock while holding shared lock", th.tid)
	}

	pending := th.deferred
	th.deferred = nil
	m.localMu.Unlock()

	for _, w := range pending {
		w.target.native.post(w.reason, w.index)
	}
}

// acquireShared takes the shared synch lock. The caller must hold the
// local lock. It is a no-op when there is no shared region.
func (m *Manager) acquireShared(th *Thread) {
	if m.region == nil {
		return
	}
	if th.localLocks == 0 {
		m.internalError("acquireShared", "thread %d takes the shared lock without the local lock", th.tid)
	}
	if th.sharedLocks == 0 {
		if err := m.region.Lock(); err != nil {
			m.log.Errorf("shared lock: %v", err)
		}
	}
	th.sharedLocks++
}

func (m *Manager) releaseShared(th *Thread) {
	if m.region == nil {
		return
	}
	if th.sharedLocks <= 0 {
		m.internalError("releaseShared", "thread %d does not hold the shared lock", th.tid)
		return
	}
	th.sharedLocks--
	if th.sharedLocks == 0 {
		if err := m.region.Unlock(); err != nil {
			m.log.Errorf("shared unlock: %v", err)
		}
	}
}

// holdsShared reports whether th already holds the shared lock, or
// whether there is no shared lock to hold.
func (m *Manager) holdsShared(th *Thread) bool {
	return m.region == nil || th.sharedLocks > 0
}
