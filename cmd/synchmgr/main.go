// Package main implements the synchmgr CLI tool.
//
// synchmgr exposes a few operations of the synchronization manager from
// the command line, mostly useful to inspect a deployment and to exercise
// process objects:
//
//	synchmgr version                  # library and protocol versions
//	synchmgr pipe-name [pid]          # pipe path of a process
//	synchmgr wait-child [-timeout d] -- cmd args...
//
// Options are read from the SYNCHMGR_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/synchmgr/synch"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "pipe-name":
		pipeNameCommand(os.Args[2:])
	case "wait-child":
		waitChildCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := synch.GetInfo()
		fmt.Printf("synchmgr version %s (protocol %s)\n", info.Version, info.Protocol)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`synchmgr - Windows-style synchronization objects for POSIX processes

USAGE:
    synchmgr <command> [arguments]

COMMANDS:
    pipe-name    Print the worker pipe path of a process
    wait-child   Run a command and wait on its process object
    version      Show version information
    help         Show this help message

EXAMPLES:
    # Pipe of the current process
    synchmgr pipe-name

    # Pipe of process 4242
    synchmgr pipe-name 4242

    # Run a child and wait for it, giving up after 5s
    synchmgr wait-child -timeout 5s -- sleep 1

ENVIRONMENT:
    SYNCHMGR_PIPE_DIR    directory of process pipes (default: $TMPDIR)
    SYNCHMGR_REGION      shared region file (default: none)
    SYNCHMGR_TRACE       set to 1 to enable trace logging

`)
}
