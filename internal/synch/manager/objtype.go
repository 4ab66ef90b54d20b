package manager

import "fmt"

// ObjectType identifies the kind of waitable object a record belongs to.
type ObjectType uint32

// Waitable object types.
const (
	TypeNone ObjectType = iota
	TypeMutex
	TypeManualEvent
	TypeAutoEvent
	TypeSemaphore
	TypeProcess
)

// Ownership tells whether a type tracks an owner thread.
type Ownership uint8

// Ownership semantics.
const (
	NoOwner Ownership = iota
	OwnershipTracked
)

// Signaling tells whether a signaled object can go back to unsignaled.
type Signaling uint8

// Signaling semantics.
const (
	// SingleTransition objects are signaled once and stay signaled.
	SingleTransition Signaling = iota
	// CanBeUnsignaled objects may be reset (events, semaphores, mutexes).
	CanBeUnsignaled
)

// ThreadRelease tells what releasing a waiter does to the signal count.
type ThreadRelease uint8

// Thread release semantics.
const (
	// ReleaseHasNoSideEffects leaves the count alone (manual events,
	// processes): every waiter is released.
	ReleaseHasNoSideEffects ThreadRelease = iota
	// ReleaseAltersSignalCount consumes one unit per released waiter.
	ReleaseAltersSignalCount
)

// TypeDescriptor is the behavior of one object type.
type TypeDescriptor struct {
	Type      ObjectType
	Name      string
	Ownership Ownership
	Signaling Signaling
	Release   ThreadRelease
}

var descriptors = [...]TypeDescriptor{
	TypeNone:        {TypeNone, "none", NoOwner, SingleTransition, ReleaseHasNoSideEffects},
	TypeMutex:       {TypeMutex, "mutex", OwnershipTracked, CanBeUnsignaled, ReleaseAltersSignalCount},
	TypeManualEvent: {TypeManualEvent, "manual-event", NoOwner, CanBeUnsignaled, ReleaseHasNoSideEffects},
	TypeAutoEvent:   {TypeAutoEvent, "auto-event", NoOwner, CanBeUnsignaled, ReleaseAltersSignalCount},
	TypeSemaphore:   {TypeSemaphore, "semaphore", NoOwner, CanBeUnsignaled, ReleaseAltersSignalCount},
	TypeProcess:     {TypeProcess, "process", NoOwner, SingleTransition, ReleaseHasNoSideEffects},
}

// Descriptor returns the behavior of t. Unknown types map to TypeNone.
func (t ObjectType) Descriptor() *TypeDescriptor {
	if int(t) >= len(descriptors) {
		return &descriptors[TypeNone]
	}
	return &descriptors[t]
}

// OwnershipTracked reports whether t has an owner thread.
func (t ObjectType) OwnershipTracked() bool {
	return t.Descriptor().Ownership == OwnershipTracked
}

func (t ObjectType) String() string {
	if int(t) >= len(descriptors) {
		return fmt.Sprintf("type(%d)", uint32(t))
	}
	return descriptors[t].Name
}

// IsEvent reports whether t is a manual or auto-reset event.
func (t ObjectType) IsEvent() bool {
	return t == TypeManualEvent || t == TypeAutoEvent
}
