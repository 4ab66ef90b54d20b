// Package synch provides Windows-style waitable objects for POSIX
// processes: mutexes, manual and auto-reset events, semaphores and process
// objects, waited on with WaitForSingleObject and WaitForMultipleObjects,
// including wait-all, abandonment of mutexes whose owner exits, and
// alertable waits that run queued APCs.
//
// # Quick Start
//
//	m, err := synch.New(synch.ConfigFromEnv())
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := m.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer m.Shutdown()
//
//	th, _ := m.NewThread()
//	defer th.Exit()
//
//	ev, _ := th.CreateEvent(false, false)
//	go func() {
//		other, _ := m.NewThread()
//		other.SetEvent(ev)
//	}()
//	st, _ := th.WaitForSingleObject(ev, synch.Infinite)
//	fmt.Println(st) // WAIT_OBJECT_0+0
//
// # Threads
//
// Every goroutine that waits or owns mutexes does so through its own
// Thread, obtained from Manager.NewThread. A Thread must not be used by two
// goroutines at once. Thread.Exit abandons the mutexes it still owns.
//
// # Cross-Process Objects
//
// When Config.RegionPath names a shared region file, Thread.ShareObject
// moves an object into it and returns a reference other processes open
// with Thread.OpenShared. Wakeups across processes travel over per-process
// named pipes in Config.PipeDir, served by each manager's worker.
//
// # Environment
//
//	SYNCHMGR_PIPE_DIR  directory of process pipes (default: os.TempDir())
//	SYNCHMGR_REGION    shared region file (default: none)
//	SYNCHMGR_TRACE     "1" enables trace logging
package synch
