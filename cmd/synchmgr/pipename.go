// pipename.go implements the 'synchmgr pipe-name' command.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kolkov/synchmgr/internal/synch/pipe"
	"github.com/kolkov/synchmgr/synch"
)

// pipeNameCommand prints the path of the worker pipe of a process (the
// current one by default), as computed from the environment.
func pipeNameCommand(args []string) {
	pid, err := parsePipeNameArgs(args, os.Getpid())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg := synch.ConfigFromEnv()
	fmt.Println(pipeName(cfg, pid))
}

func parsePipeNameArgs(args []string, self int) (int, error) {
	switch len(args) {
	case 0:
		return self, nil
	case 1:
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return 0, fmt.Errorf("invalid pid %q", args[0])
		}
		return pid, nil
	default:
		return 0, fmt.Errorf("too many arguments")
	}
}

func pipeName(cfg synch.Config, pid int) string {
	return pipe.Name(cfg.PipeDir, pid, cfg.StartKey(pid), cfg.ProtocolVersion)
}
