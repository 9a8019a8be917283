package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

// LocalConfig configures the local-process spawner variant.
type LocalConfig struct {
	// Command is the argv template; every occurrence of "{port}" is
	// replaced with the allocated port.
	Command []string
	// IP is the loopback address backends bind to. Defaults to 127.0.0.1.
	IP string
	// Port pins the backend port; 0 allocates a free one per start.
	Port int
	// StartTimeout bounds Start; on expiry the process is cleaned up and
	// [domain.ErrSpawnTimeout] returned.
	StartTimeout time.Duration
	// StopTimeout bounds graceful shutdown before SIGKILL.
	StopTimeout time.Duration
	// ProbeInterval paces the readiness probe.
	ProbeInterval time.Duration
}

// Local spawns one backend as a child process and probes its TCP port for
// readiness. Restart state is a (pid, port, start-ticks) fingerprint so a
// restarted hub resumes the same process instead of starting a duplicate.
type Local struct {
	key domain.ServerKey
	cfg LocalConfig
	log *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	pid    int
	ticks  uint64
	port   int
	waitCh chan struct{}
	exited *Status
}

type localState struct {
	PID        int    `json:"pid"`
	Port       int    `json:"port"`
	StartTicks uint64 `json:"start_ticks"`
}

// NewLocal builds a local-process spawner for one server key.
func NewLocal(key domain.ServerKey, cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 100 * time.Millisecond
	}
	return &Local{key: key, cfg: cfg, log: logger}
}

// NewLocalFactory adapts LocalConfig into a [Factory].
func NewLocalFactory(cfg LocalConfig, logger *slog.Logger) Factory {
	return func(key domain.ServerKey) Spawner {
		return NewLocal(key, cfg, logger)
	}
}

// Start launches the backend and blocks until its port accepts
// connections, returning the connectable URL. Calling Start while the
// backend is already live returns the existing URL.
func (l *Local) Start(ctx context.Context, req StartRequest) (string, error) {
	l.mu.Lock()
	if l.pid != 0 && l.exited == nil && l.alive() {
		url := l.urlLocked()
		l.mu.Unlock()
		return url, nil
	}

	port := l.cfg.Port
	if port == 0 {
		p, err := freePort(l.cfg.IP)
		if err != nil {
			l.mu.Unlock()
			return "", fmt.Errorf("allocate port: %w", err)
		}
		port = p
	}

	if len(l.cfg.Command) == 0 {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: no command configured", domain.ErrSpawnFailed)
	}
	argv := substitutePort(l.cfg.Command, port)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(append([]string{}, req.Env...), "USERHUB_PORT="+strconv.Itoa(port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	l.cmd = cmd
	l.pid = cmd.Process.Pid
	l.ticks = procStartTicks(l.pid)
	l.port = port
	l.exited = nil
	waitCh := make(chan struct{})
	l.waitCh = waitCh
	url := l.urlLocked()
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		l.mu.Lock()
		// Only record the exit for the generation that spawned it; a
		// later Start may have replaced the process.
		if l.cmd == cmd {
			l.exited = &Status{ExitCode: code}
		}
		l.mu.Unlock()
		close(waitCh)
	}()

	addr := net.JoinHostPort(l.cfg.IP, strconv.Itoa(port))
	deadline := time.NewTimer(l.cfg.StartTimeout)
	defer deadline.Stop()
	probe := time.NewTicker(l.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-waitCh:
			l.mu.Lock()
			code := -1
			if l.exited != nil {
				code = l.exited.ExitCode
			}
			l.clearLocked()
			l.mu.Unlock()
			return "", &domain.ServerError{
				User: l.key.User, Server: l.key.Server, Op: "start",
				Err: fmt.Errorf("%w: exited with code %d", domain.ErrSpawnFailed, code),
			}
		case <-ctx.Done():
			l.killAndReap()
			return "", &domain.ServerError{
				User: l.key.User, Server: l.key.Server, Op: "start",
				Err: fmt.Errorf("%w: %v", domain.ErrSpawnTimeout, ctx.Err()),
			}
		case <-deadline.C:
			l.killAndReap()
			return "", &domain.ServerError{
				User: l.key.User, Server: l.key.Server, Op: "start",
				Err: domain.ErrSpawnTimeout,
			}
		case <-probe.C:
			conn, err := net.DialTimeout("tcp", addr, l.cfg.ProbeInterval)
			if err == nil {
				_ = conn.Close()
				return url, nil
			}
		}
	}
}

// Poll is a non-blocking liveness probe. nil means running.
func (l *Local) Poll(_ context.Context) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exited != nil {
		return l.exited, nil
	}
	if l.pid == 0 {
		return &Status{ExitCode: 0, Message: "not started"}, nil
	}
	if l.cmd == nil {
		// Restored from persisted state; probe the fingerprint.
		if l.alive() {
			return nil, nil
		}
		l.exited = &Status{ExitCode: -1, Message: "process gone"}
		return l.exited, nil
	}
	return nil, nil
}

// Stop terminates the backend: SIGTERM to the process group, escalating to
// SIGKILL after StopTimeout. It blocks until the process is gone; on a
// stuck process it logs a warning and forces the stopped state.
func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	pid := l.pid
	waitCh := l.waitCh
	exited := l.exited != nil
	l.mu.Unlock()

	if pid == 0 || exited {
		l.mu.Lock()
		l.clearLocked()
		l.mu.Unlock()
		return nil
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	if err := l.awaitExit(ctx, waitCh, pid, l.cfg.StopTimeout); err == nil {
		l.mu.Lock()
		l.clearLocked()
		l.mu.Unlock()
		return nil
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if err := l.awaitExit(ctx, waitCh, pid, l.cfg.StopTimeout); err != nil {
		l.log.Warn("backend did not exit after SIGKILL; forcing stopped state",
			"user", l.key.User, "server", l.key.Server, "pid", pid)
	}
	l.mu.Lock()
	l.clearLocked()
	l.mu.Unlock()
	return nil
}

// awaitExit waits for process death via waitCh when we own the child, or
// by polling the fingerprint for a restored process.
func (l *Local) awaitExit(ctx context.Context, waitCh chan struct{}, pid int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if waitCh != nil {
		select {
		case <-waitCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return domain.ErrSpawnTimeout
		}
	}

	tick := time.NewTicker(l.cfg.ProbeInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if syscall.Kill(pid, 0) != nil {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return domain.ErrSpawnTimeout
		}
	}
}

// StateBlob returns the opaque restart blob, or nil when not running.
func (l *Local) StateBlob() json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pid == 0 || l.exited != nil {
		return nil
	}
	b, err := json.Marshal(localState{PID: l.pid, Port: l.port, StartTicks: l.ticks})
	if err != nil {
		return nil
	}
	return b
}

// LoadState restores a previously persisted blob. The process is only
// adopted when the pid is alive and its start-ticks fingerprint matches;
// anything else is reported by the next Poll, never restarted implicitly.
func (l *Local) LoadState(blob json.RawMessage) error {
	var st localState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("decode spawner state: %w", err)
	}
	if st.PID <= 0 {
		return errors.New("spawner state has no pid")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmd = nil
	l.waitCh = nil
	l.exited = nil
	l.pid = st.PID
	l.port = st.Port
	l.ticks = st.StartTicks
	return nil
}

// ClearState drops any held process reference and restart state.
func (l *Local) ClearState() {
	l.mu.Lock()
	l.clearLocked()
	l.mu.Unlock()
}

// URL returns the backend address while running.
func (l *Local) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pid == 0 {
		return ""
	}
	return l.urlLocked()
}

func (l *Local) urlLocked() string {
	return "http://" + net.JoinHostPort(l.cfg.IP, strconv.Itoa(l.port))
}

func (l *Local) clearLocked() {
	l.cmd = nil
	l.pid = 0
	l.ticks = 0
	l.port = 0
	l.waitCh = nil
}

// alive checks the pid and, when available, the start-ticks fingerprint so
// a recycled pid is never mistaken for our backend.
func (l *Local) alive() bool {
	if l.pid <= 0 {
		return false
	}
	if syscall.Kill(l.pid, 0) != nil {
		return false
	}
	if l.ticks == 0 {
		return true
	}
	ticks := procStartTicks(l.pid)
	return ticks == 0 || ticks == l.ticks
}

func (l *Local) killAndReap() {
	l.mu.Lock()
	pid := l.pid
	waitCh := l.waitCh
	l.mu.Unlock()
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	if waitCh != nil {
		<-waitCh
	}
	l.mu.Lock()
	l.clearLocked()
	l.mu.Unlock()
}

func substitutePort(argv []string, port int) []string {
	out := make([]string, len(argv))
	p := strconv.Itoa(port)
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, "{port}", p)
	}
	return out
}

func freePort(ip string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// procStartTicks reads the process start time (clock ticks since boot)
// from /proc. Returns 0 when unavailable, which disables the fingerprint
// check.
func procStartTicks(pid int) uint64 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Field 2 (comm) may contain spaces; skip past the closing paren.
	s := string(b)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 {
		return 0
	}
	fields := strings.Fields(s[idx+1:])
	// starttime is field 22 overall; after comm it is index 19.
	if len(fields) < 20 {
		return 0
	}
	v, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
