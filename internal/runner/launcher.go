package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"workerscheduler/internal/domain"
	"workerscheduler/internal/protocol"
)

// Handler receives the lifecycle of one subprocess. Message and Output may
// be called concurrently with each other; Exit is called exactly once, after
// every Message call has returned.
type Handler interface {
	Message(m protocol.Message)
	Output(line string)
	Exit(code int)
}

type Process interface {
	Pid() int
	// Kill asks the process and everything it spawned to terminate. It does
	// not wait.
	Kill() error
}

type Launcher interface {
	Launch(worker string, task domain.TaskRef, h Handler) (Process, error)
}

// drainGrace bounds how long pipes are read after the child exits. A
// grandchild that inherited stdout or stderr would otherwise keep them open
// indefinitely.
const drainGrace = 500 * time.Millisecond

// ExecLauncher starts tasks by re-executing a binary that calls Main.
type ExecLauncher struct {
	// Path defaults to the running executable.
	Path string
	Args []string
	// Env is appended to the supervisor's environment.
	Env []string
	// KillSignal defaults to SIGTERM.
	KillSignal syscall.Signal
}

func (l *ExecLauncher) Launch(worker string, task domain.TaskRef, h Handler) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	var (
		readers []*os.File
		writers []*os.File
	)
	closeAll := func(fs []*os.File) {
		for _, f := range fs {
			f.Close()
		}
	}
	for i := 0; i < 3; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(readers)
			closeAll(writers)
			return nil, fmt.Errorf("pipe: %w", err)
		}
		readers = append(readers, r)
		writers = append(writers, w)
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, EnvTask+"="+task.Name, EnvArgs+"="+string(task.Args))
	cmd.ExtraFiles = []*os.File{writers[0]}
	cmd.Stdout = writers[1]
	cmd.Stderr = writers[2]
	setProcessGroup(cmd)

	err := cmd.Start()
	// The child holds the only write ends now; EOF means it and everything
	// it spawned are gone.
	closeAll(writers)
	if err != nil {
		closeAll(readers)
		return nil, fmt.Errorf("start %s for %s: %w", task.Name, worker, err)
	}

	go supervise(cmd, readers[0], readers[1], readers[2], h)

	sig := l.KillSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	return &execProcess{proc: cmd.Process, sig: sig}, nil
}

func supervise(cmd *exec.Cmd, messages, stdout, stderr *os.File, h Handler) {
	var wg sync.WaitGroup
	for _, r := range []*os.File{stdout, stderr} {
		wg.Add(1)
		go func(r *os.File) {
			defer wg.Done()
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 0, 4096), 1<<20)
			for sc.Scan() {
				h.Output(sc.Text())
			}
			// keep an over-long line from blocking the child's writes
			_, _ = io.Copy(io.Discard, r)
		}(r)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		dec := protocol.NewDecoder(messages)
		for {
			m, err := dec.Next()
			if errors.Is(err, protocol.ErrUnknownKind) {
				continue
			}
			if err != nil {
				return
			}
			h.Message(m)
		}
	}()

	code := exitCode(cmd.Wait())

	// Whatever is already buffered is still delivered; a grandchild holding
	// a pipe open only delays Exit by drainGrace.
	deadline := time.Now().Add(drainGrace)
	for _, f := range []*os.File{messages, stdout, stderr} {
		_ = f.SetReadDeadline(deadline)
	}
	wg.Wait()
	for _, f := range []*os.File{messages, stdout, stderr} {
		f.Close()
	}
	h.Exit(code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code != 0 {
			return code
		}
	}
	return -1
}

type execProcess struct {
	proc *os.Process
	sig  syscall.Signal
}

func (p *execProcess) Pid() int { return p.proc.Pid }

func (p *execProcess) Kill() error { return killProcessGroup(p.proc, p.sig) }
