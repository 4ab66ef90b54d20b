package pipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

// Prefix is the file name prefix of every process pipe.
const Prefix = "synchmgr"

// Name returns the pipe path for process pid.
//
// key disambiguates pid reuse: a recycled pid gets a different start time
// and therefore a different pipe. version is the protocol semver; only its
// major component is part of the name, so peers with incompatible
// protocols never open each other's pipes.
func Name(dir string, pid int, key, version string) string {
	major := semver.Major(version)
	if major == "" {
		major = "v0"
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%d-%s", Prefix, major, pid, key))
}

// StartKey returns the disambiguation key for pid: its start time in clock
// ticks since boot, read from /proc/<pid>/stat. It returns "0" when the
// start time cannot be read.
func StartKey(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "0"
	}
	return parseStartTime(string(data))
}

// parseStartTime extracts field 22 (starttime) of a /proc/<pid>/stat line.
// The comm field may contain spaces and parentheses, so fields are counted
// from the last ')'.
func parseStartTime(stat string) string {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return "0"
	}
	// fields after comm start at field 3 (state)
	fields := strings.Fields(stat[end+1:])
	const startTimeField = 22 - 3
	if len(fields) <= startTimeField {
		return "0"
	}
	return fields[startTimeField]
}
