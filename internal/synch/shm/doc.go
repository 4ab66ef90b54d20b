// Package shm stores synchronization records, wait-list nodes and thread
// wait-state words in fixed-size slot pools.
//
// An Arena holds three pools (records, nodes, state words). NewLocalArena
// builds one on the Go heap for objects private to this process; OpenRegion
// maps one from a file so every process opening the same path shares it.
// Slots are addressed by Ref, a tagged integer that carries the domain, the
// pool, the slot index and a generation, so a Ref can live in shared memory
// or travel through a process pipe and still be checked for staleness.
//
// Arenas do no locking of their own. Callers hold the local synch lock for
// a local arena, and additionally Region.Lock for a shared one.
package shm
