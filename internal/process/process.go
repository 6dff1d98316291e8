package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrAlreadyStarted is returned when Start is called twice on the same Process.
var ErrAlreadyStarted = errors.New("process already started")

// killGrace bounds the wait for the kernel to reap a SIGKILLed child.
const killGrace = 2 * time.Second

// Status is a point-in-time copy of a process's lifecycle.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// Process owns one started command. A single waiter goroutine reaps it;
// everyone else observes the exit through Done and Wait.
type Process struct {
	spec    Spec
	mu      sync.Mutex
	cmd     *exec.Cmd
	status  Status
	exitErr error
	done    chan struct{}
	closers []io.Closer
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns the spec the process was created from.
func (p *Process) Spec() Spec { return p.spec }

// Start launches the command. env is the composed environment (nil inherits
// the orchestrator's); Spec.Env entries are appended to it. stdout and stderr
// receive the child's output, tee'd into rotated files when Spec.Log.Dir is set.
func (p *Process) Start(env []string, stdout, stderr io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		if env == nil {
			env = os.Environ()
		}
		env = append(append([]string{}, env...), p.spec.Env...)
	}
	cmd.Env = env

	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return err
	}
	cmd.Stdout = tee(stdout, outW)
	cmd.Stderr = tee(stderr, errW)
	cmd.WaitDelay = killGrace
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.closers = []io.Closer{outW, errW}
	p.status = Status{
		Name:      p.spec.Name,
		PID:       cmd.Process.Pid,
		Running:   true,
		StartedAt: time.Now(),
	}
	p.writePIDFile(cmd.Process.Pid)
	go p.reap(cmd)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = ExitCode(err)
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	closers := p.closers
	p.closers = nil
	done := p.done
	p.mu.Unlock()

	closeAll(closers...)
	p.removePIDFile()
	close(done)
}

// PID returns the child's pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Done is closed once the child has exited and been reaped. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Wait blocks until the child exits and returns the error from exec.Cmd.Wait.
func (p *Process) Wait() error {
	done := p.Done()
	if done == nil {
		return errors.New("process not started")
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	done := p.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Signal delivers sig to the child's process group. Signalling a child that
// has already exited is a no-op.
func (p *Process) Signal(sig os.Signal) error {
	pid := p.PID()
	if pid <= 0 {
		return errors.New("process not started")
	}
	if p.Exited() {
		return nil
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if err := signalGroup(pid, s); err != nil && !p.Exited() {
		return fmt.Errorf("signal %s (pid %d): %w", p.spec.Name, pid, err)
	}
	return nil
}

// Kill sends SIGKILL to the child's process group.
func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }

// Stop sends SIGTERM and escalates to SIGKILL when the child outlives timeout.
func (p *Process) Stop(timeout time.Duration) error {
	done := p.Done()
	if done == nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(timeout):
		_ = p.Kill()
		select {
		case <-done:
		case <-time.After(killGrace):
			return fmt.Errorf("%s did not exit after SIGKILL", p.spec.Name)
		}
	}
	return p.Wait()
}

// ExitCode maps an exec.Cmd.Wait error onto a shell-style exit status:
// 0 on success, the exit code for normal exits and 128+n for a child
// terminated by signal n.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return exitStatus(ee)
	}
	return 1
}

func (p *Process) writePIDFile(pid int) {
	if p.spec.PIDFile == "" || pid <= 0 {
		return
	}
	_ = WritePIDFile(p.spec.PIDFile, pid)
}

func (p *Process) removePIDFile() {
	if p.spec.PIDFile != "" {
		_ = os.Remove(p.spec.PIDFile)
	}
}

func tee(primary io.Writer, file io.WriteCloser) io.Writer {
	switch {
	case file == nil:
		return primary
	case primary == nil:
		return file
	default:
		return io.MultiWriter(primary, file)
	}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
