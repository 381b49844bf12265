package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Command describes a child process to spawn.
type Command struct {
	// Name identifies the process in logs and metrics.
	Name string

	Path string
	Args []string

	// LogFile receives the child's stdout and stderr. Empty discards
	// them.
	LogFile string

	// ExtraFiles are inherited by the child.
	ExtraFiles []*os.File
}

// Process is a running child process.
type Process interface {
	Pid() int
	Signal(os.Signal) error
	Kill() error

	// Done is closed once the process exited.
	Done() <-chan struct{}

	// Err returns the exit error after Done was closed.
	Err() error
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(cmd *Command) (Process, error)
}

// ExecSpawner starts processes with os/exec.
type ExecSpawner struct{}

// Spawn starts cmd. The child outlives any context of the caller and must be
// stopped through the returned Process.
func (ExecSpawner) Spawn(c *Command) (Process, error) {
	if _, err := os.Stat(c.Path); err != nil {
		if _, lookErr := exec.LookPath(c.Path); lookErr != nil {
			return nil, fmt.Errorf("executable %s not found: %w",
				c.Path, err)
		}
	}

	cmd := exec.Command(c.Path, c.Args...)
	setOSCmdOptions(c.ExtraFiles, cmd)

	var logFile *os.File
	if c.LogFile != "" {
		err := os.MkdirAll(filepath.Dir(c.LogFile), 0700)
		if err != nil {
			return nil, err
		}
		logFile, err = os.OpenFile(c.LogFile,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("unable to open %s log file: %w",
				c.Name, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Signal(s os.Signal) error { return p.cmd.Process.Signal(s) }
func (p *execProcess) Kill() error              { return p.cmd.Process.Kill() }
func (p *execProcess) Done() <-chan struct{}    { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// killGrace bounds the wait for a killed process to be reaped.
const killGrace = 5 * time.Second

// stopProcess asks p to exit with an interrupt, falling back to fallback when
// the platform cannot deliver one, and kills p once ctx is done. It returns
// whether the process exited on request. A killed process yields false and
// ErrKilled.
func stopProcess(ctx context.Context, name string, p Process,
	fallback func() error) (bool, error) {

	select {
	case <-p.Done():
		return true, nil
	default:
	}

	if err := p.Signal(os.Interrupt); err != nil {
		log.Debugf("Unable to interrupt %s: %v", name, err)
		if fallback == nil {
			fallback = func() error { return err }
		}
		if err := fallback(); err != nil {
			log.Warnf("Unable to request %s exit: %v", name, err)
		}
	}

	select {
	case <-p.Done():
		if err := p.Err(); err != nil {
			log.Debugf("%s exited: %v", name, err)
		}
		return true, nil

	case <-ctx.Done():
	}

	log.Warnf("Timed out waiting for %s to exit, killing pid %d", name,
		p.Pid())
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return false, fmt.Errorf("unable to kill %s: %w", name, err)
	}

	grace := time.NewTimer(killGrace)
	defer grace.Stop()
	select {
	case <-p.Done():
		return false, fmt.Errorf("%s (pid %d): %w", name, p.Pid(),
			ErrKilled)
	case <-grace.C:
		return false, fmt.Errorf("%s (pid %d) did not exit after kill",
			name, p.Pid())
	}
}
