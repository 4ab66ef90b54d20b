// Package manager implements the synchronization manager: waitable object
// records, per-thread wait registration, the block/wakeup state machine,
// and the worker task that carries wakeups between processes.
//
// Architecture:
//
//	Thread ──GetWaitControllers──▶ WaitController ──▶ record + wait list
//	   │                                                   │
//	   └──blockThread (native wait) ◀──wakeUpLocalThread───┤ same process
//	                                                       │
//	   worker ◀──pipe (remote signal / delegated signal)───┘ other process
//
// Two locks protect all state. The local synch lock covers records and
// nodes in the process-local arena plus every Thread's wait registration.
// The shared synch lock (shm.Region.Lock) covers the shared region and is
// only ever taken while the local lock is held. Both are re-entrant per
// Thread through hold counts. The monitored-process lock is a leaf.
//
// Wakeups decided while the synch locks are held are queued on the
// signaling Thread and delivered when it drops its last local-lock hold.
//
// A Thread's wait state word moves between ACTIVE, WAITING, ALERTABLE and
// EARLYDEATH with compare-and-swap only. Whoever moves it from WAITING or
// ALERTABLE back to ACTIVE owns the wakeup; everybody else backs off.
package manager
