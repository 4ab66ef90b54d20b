package synch

import (
	"golang.org/x/mod/semver"

	"github.com/kolkov/synchmgr/internal/synch/manager"
)

// Version information for the synchronization manager.
const (
	// Version is the library version.
	Version = "0.1.0"

	// ProtocolVersion is the version spoken on process pipes and stored in
	// shared region headers.
	ProtocolVersion = manager.ProtocolVersion
)

// Info describes the library build.
type Info struct {
	// Version is the library version string.
	Version string

	// Protocol is the cross-process protocol version.
	Protocol string

	// ProtocolMajor is the part of Protocol that must match between
	// processes sharing a region.
	ProtocolMajor string
}

// GetInfo returns information about the library.
//
// Example:
//
//	info := synch.GetInfo()
//	fmt.Printf("synchmgr %s (protocol %s)\n", info.Version, info.Protocol)
func GetInfo() Info {
	return Info{
		Version:       Version,
		Protocol:      ProtocolVersion,
		ProtocolMajor: semver.Major(ProtocolVersion),
	}
}

// Compatible reports whether a peer speaking protocol version v can share
// a region and exchange commands with this build.
func Compatible(v string) bool {
	return semver.IsValid(v) && semver.Major(v) == semver.Major(ProtocolVersion)
}
