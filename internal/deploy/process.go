package deploy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// process supervises one long-running deployed program. The process is its
// own group leader so stop signals reach the full tree.
type process struct {
	cmd     *exec.Cmd
	ring    *logRing
	grace   time.Duration
	started time.Time

	done    chan struct{}
	waitErr error
	stopped sync.Once
}

func startProcess(dir string, argv []string, env []string, ring *logRing, grace time.Duration) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &process{
		cmd:     cmd,
		ring:    ring,
		grace:   grace,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	var scanners sync.WaitGroup
	scanners.Add(2)
	go p.scan(stdout, &scanners)
	go p.scan(stderr, &scanners)
	go func() {
		scanners.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) scan(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		p.ring.Append(scanner.Text())
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// stop terminates the process group with SIGTERM, escalating to SIGKILL
// after the grace period.
func (p *process) stop() error {
	var stopErr error
	p.stopped.Do(func() {
		pid := p.pid()
		if pid <= 0 {
			return
		}
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			stopErr = fmt.Errorf("signal process group: %w", err)
		}
		select {
		case <-p.done:
		case <-time.After(p.grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-p.done
		}
	})
	return stopErr
}
