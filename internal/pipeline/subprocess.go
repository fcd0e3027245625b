package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"
)

const (
	// tailLines is how much subprocess output is kept for error reporting.
	tailLines = 40

	// maxLogLines caps forwarded subprocess output per runCommand call, not
	// per job: each tool invocation (and each retry) gets its own budget.
	// Past it, lines still feed the tail buffer but stop becoming log events.
	maxLogLines = 500

	// cancelPoll bounds how stale a cancellation can go unnoticed while a
	// subprocess runs.
	cancelPoll = time.Second
)

// procResult is the outcome of one external tool invocation.
type procResult struct {
	exitCode int
	signaled bool
	tail     []string
}

func (p procResult) tailString() string { return strings.Join(p.tail, "\n") }

// runCommand executes argv (never a shell) in dir, streaming stdout and
// stderr line-by-line as job log events.  The process runs in its own
// process group; on cancellation or timeout the whole group gets SIGTERM,
// then SIGKILL after the configured grace period.
func (r *Runner) runCommand(ctx context.Context, jobID string, argv []string, dir string) (procResult, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return procResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return procResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return procResult{}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	pgid := cmd.Process.Pid

	var (
		mu    sync.Mutex
		tail  []string
		lines int
	)
	collect := func(stream string, rd io.Reader) {
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 64<<10), 64<<10)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			tail = append(tail, line)
			if len(tail) > tailLines {
				tail = tail[1:]
			}
			lines++
			n := lines
			mu.Unlock()

			if n <= maxLogLines {
				r.jobs.Log(ctx, jobID, fmt.Sprintf("[%s] %s", stream, line))
			} else if n == maxLogLines+1 {
				r.jobs.Log(ctx, jobID, "[system] further tool output suppressed")
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); collect("stdout", stdout) }()
	go func() { defer wg.Done(); collect("stderr", stderr) }()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ticker.C:
			if ctx.Err() != nil {
				r.terminateGroup(pgid, done, &waitErr)
				break loop
			}
		}
	}

	mu.Lock()
	res := procResult{tail: append([]string(nil), tail...)}
	mu.Unlock()

	if waitErr != nil {
		ee, ok := waitErr.(*exec.ExitError)
		if !ok {
			return res, fmt.Errorf("wait %s: %w", argv[0], waitErr)
		}
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.signaled = true
		}
		res.exitCode = ee.ExitCode()
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// terminateGroup sends SIGTERM to the process group, waits out the grace
// period, then SIGKILLs whatever is left.
func (r *Runner) terminateGroup(pgid int, done <-chan error, waitErr *error) {
	r.logger.Info("terminating subprocess group", zap.Int("pgid", pgid))
	_ = unix.Kill(-pgid, unix.SIGTERM)

	select {
	case *waitErr = <-done:
		return
	case <-time.After(r.cfg.KillGrace()):
	}

	_ = unix.Kill(-pgid, unix.SIGKILL)
	*waitErr = <-done
}
