package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is the handle to one running agent subprocess. The session writes
// command lines to it and consumes its output lines; the process itself is
// an opaque collaborator.
type Process interface {
	// Send writes one message line to the process.
	Send(line []byte) error
	// Output yields the process's stdout lines. Closed when the process exits.
	Output() <-chan []byte
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed, nil for a clean exit.
	Err() error
	// Kill terminates the process.
	Kill()
}

// StartFunc launches the agent process for a workspace. Injectable so tests
// can substitute a scripted process.
type StartFunc func(workDir string) (Process, error)

// execProcess runs the agent as a subprocess speaking JSON lines on stdio.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    chan []byte
	done   chan struct{}
	mu     sync.Mutex
	err    error
	killed bool
}

// NewExecStarter returns a StartFunc that launches command with the given
// extra environment, in the session's working directory.
func NewExecStarter(command []string, env map[string]string) StartFunc {
	return func(workDir string) (Process, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("agent command not configured")
		}
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Dir = workDir
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start agent: %w", err)
		}

		p := &execProcess{
			cmd:   cmd,
			stdin: stdin,
			out:   make(chan []byte, 64),
			done:  make(chan struct{}),
		}
		go p.pump(stdout)
		return p, nil
	}
}

// pump relays stdout lines until the process exits.
func (p *execProcess) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		p.out <- line
	}
	err := p.cmd.Wait()
	p.mu.Lock()
	if !p.killed {
		p.err = err
	}
	p.mu.Unlock()
	close(p.out)
	close(p.done)
}

func (p *execProcess) Send(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (p *execProcess) Output() <-chan []byte { return p.out }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}
