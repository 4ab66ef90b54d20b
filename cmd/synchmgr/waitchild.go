// waitchild.go implements the 'synchmgr wait-child' command.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/kolkov/synchmgr/synch"
)

// waitChildConfig holds the parsed wait-child arguments.
type waitChildConfig struct {
	timeout time.Duration
	command []string
}

// waitChildCommand starts a command, opens a process object on it and
// waits for it through the manager's exit monitor. The exit code of the
// child becomes the exit code of synchmgr; a timeout exits with 124.
func waitChildCommand(args []string) {
	cfg, err := parseWaitChildArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	code, err := waitChild(synch.ConfigFromEnv(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// parseWaitChildArgs accepts:
//
//	[-timeout duration] [--] command [arguments...]
func parseWaitChildArgs(args []string) (*waitChildConfig, error) {
	cfg := &waitChildConfig{timeout: synch.Infinite}

	i := 0
	for ; i < len(args); i++ {
		switch args[i] {
		case "-timeout", "--timeout":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s needs a duration", args[i])
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil || d < 0 {
				return nil, fmt.Errorf("invalid timeout %q", args[i+1])
			}
			cfg.timeout = d
			i++
			continue
		case "--":
			i++
		}
		break
	}

	cfg.command = args[i:]
	if len(cfg.command) == 0 {
		return nil, fmt.Errorf("no command specified")
	}
	return cfg, nil
}

// timeoutExitCode is the exit code reported when the child outlives the
// timeout.
const timeoutExitCode = 124

// waitChild runs the child and returns its exit code.
func waitChild(mcfg synch.Config, cfg *waitChildConfig) (int, error) {
	m, err := synch.New(mcfg)
	if err != nil {
		return 0, err
	}
	if err := m.Start(); err != nil {
		return 0, err
	}
	defer m.Shutdown()

	th, err := m.NewThread()
	if err != nil {
		return 0, err
	}
	defer th.Exit()

	cmd := exec.Command(cfg.command[0], cfg.command[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	proc, err := th.OpenProcess(cmd.Process.Pid)
	if err != nil {
		return 0, err
	}
	defer th.CloseObject(proc)

	st, err := th.WaitForSingleObject(proc, cfg.timeout)
	if err != nil {
		return 0, err
	}
	switch st.Result {
	case synch.WaitObject0:
		code, _, _ := proc.ExitCode()
		return code, nil
	case synch.WaitTimeout:
		fmt.Fprintf(os.Stderr, "synchmgr: %s still running after %s\n", cfg.command[0], cfg.timeout)
		return timeoutExitCode, nil
	default:
		return 0, fmt.Errorf("wait returned %s", st)
	}
}
