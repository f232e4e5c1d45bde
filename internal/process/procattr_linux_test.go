package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

const hostEnv = "BLOCKPARTY_TEST_HELPER_HOST"

// running reports whether pid is alive and not a zombie.
func running(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] != 'Z'
}

func TestHelperInterruptedWhenHostExits(t *testing.T) {
	if os.Getenv(hostEnv) == "1" {
		// Host side: spawn a helper and exit without stopping it.
		h, err := Spawn(SpawnOptions{
			Name:    "orphan",
			Command: "sleep",
			Args:    []string{"30"},
			Logger:  testLogger(),
		})
		if err != nil {
			os.Exit(3)
		}
		fmt.Println(h.PID())
		os.Exit(1)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperInterruptedWhenHostExits$")
	cmd.Env = append(os.Environ(), hostEnv+"=1")
	out, err := cmd.Output()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("host exited with %v, output %q", err, out)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		t.Fatalf("unexpected host output %q", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for running(pid) {
		if time.Now().After(deadline) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("helper pid %d still running after host exited", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
