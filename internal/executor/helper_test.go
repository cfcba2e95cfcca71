package executor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"

	"fuzzbench.harness/internal/core/ports"
)

const helperEnv = "FUZZBENCH_HELPER"

// TestMain lets the test binary double as a scripted child process.
func TestMain(m *testing.M) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		os.Exit(m.Run())
	}
	runHelper(mode)
}

func runHelper(mode string) {
	switch mode {
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("FUZZBENCH_HELPER_CODE"))
		os.Exit(code)
	case "echo":
		wd, _ := os.Getwd()
		fmt.Println("hello stdout")
		fmt.Println("job=" + os.Getenv("FUZZBENCH_JOB_ID"))
		fmt.Println("wd=" + wd)
		fmt.Fprintln(os.Stderr, "hello stderr")
		os.Exit(0)
	case "sleep":
		time.Sleep(time.Hour)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Hour)
	case "tree", "orphan":
		child := exec.Command(os.Args[0], "-test.run=^$")
		child.Env = append(os.Environ(), helperEnv+"=sleep")
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Println(child.Process.Pid)
		if mode == "orphan" {
			os.Exit(0)
		}
		time.Sleep(time.Hour)
	}
	os.Exit(0)
}

func helperInvocation(mode string, stdout, stderr io.Writer, env ...string) ports.Invocation {
	return ports.Invocation{
		Name:   mode,
		Path:   os.Args[0],
		Args:   []string{"-test.run=^$"},
		Env:    append([]string{helperEnv + "=" + mode}, env...),
		Stdout: stdout,
		Stderr: stderr,
	}
}
