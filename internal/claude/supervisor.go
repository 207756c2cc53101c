// Package claude supervises one assistant CLI child process speaking
// newline-delimited JSON over stdin/stdout. The supervisor owns the
// spawn/active/exit lifecycle, the pre-spawn message queue, idle and hang
// detection, and kill semantics; everything it learns from the child is
// re-emitted as typed events on a single channel.
package claude

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

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/proctree"
	"github.com/tgcc/tgcc/internal/protocol"
)

// State of the supervised process.
type State string

const (
	StateIdle     State = "idle"     // no child running
	StateSpawning State = "spawning" // child started, init handshake pending
	StateActive   State = "active"   // init seen, messages flow directly
)

// Activity of an active process.
type Activity string

const (
	ActivityIdle          Activity = "idle"
	ActivityResponding    Activity = "responding"
	ActivityToolExecuting Activity = "tool_executing"
	ActivityWaitingForAPI Activity = "waiting_for_api"
)

const (
	maxLineSize     = 10 * 1024 * 1024
	eventBufferSize = 256
)

// ErrDead is returned by operations on a process that has already exited.
var ErrDead = errors.New("claude: process has exited")

// Process supervises a single assistant child. Create with NewProcess, feed
// it with SendMessage (the first send spawns the child), consume Events until
// the channel closes after exit.
type Process struct {
	cfg       Config
	log       *logger.Logger
	inspector proctree.Inspector

	mu        sync.Mutex
	state     State
	activity  Activity
	sessionID string
	model     string
	cost      float64
	spawnedAt time.Time

	cmd   *exec.Cmd
	stdin io.Writer // real pipe in production, a buffer in tests

	queue []*protocol.UserMessage

	killedByUs  bool
	hangRecheck bool
	bgTasks     map[string]struct{}

	idleTimer *time.Timer
	hangTimer *time.Timer
	killTimer *time.Timer
	bgTimer   *time.Timer

	// emitMu serializes event emission against channel close so a late
	// reader line cannot send on a closed channel.
	emitMu sync.Mutex
	closed bool
	dead   bool

	events chan Event
	rdDone chan struct{}
}

// NewProcess builds an unstarted supervisor. The child spawns on first send.
func NewProcess(cfg Config, log *logger.Logger) *Process {
	if log == nil {
		log = logger.Default()
	}
	c := cfg.withDefaults()
	return &Process{
		cfg:       c,
		log:       log.WithFields(zap.String("component", "claude"), zap.String("workdir", c.WorkDir)),
		inspector: proctree.New(),
		state:     StateIdle,
		activity:  ActivityIdle,
		sessionID: pendingSessionID(),
		bgTasks:   make(map[string]struct{}),
		events:    make(chan Event, eventBufferSize),
		rdDone:    make(chan struct{}),
	}
}

func pendingSessionID() string {
	return fmt.Sprintf("pending-%d", time.Now().UnixNano())
}

// Events delivers the supervisor's typed events. Closed after the exit event.
func (p *Process) Events() <-chan Event { return p.events }

// Info is a point-in-time snapshot for status surfaces.
type Info struct {
	State     State
	Activity  Activity
	SessionID string
	Model     string
	CostUSD   float64
	PID       int
	Uptime    time.Duration
}

// Info returns a snapshot of the process state.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		State:     p.state,
		Activity:  p.activity,
		SessionID: p.sessionID,
		Model:     p.model,
		CostUSD:   p.cost,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		info.PID = p.cmd.Process.Pid
	}
	if !p.spawnedAt.IsZero() {
		info.Uptime = time.Since(p.spawnedAt)
	}
	return info
}

// SessionID returns the current session id, which may still be the
// pending placeholder before the init event arrives.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// SendMessage enqueues or writes one user message. In idle state it spawns
// the child and queues the message for the post-init flush; in spawning
// state it queues; in active state it writes through immediately.
func (p *Process) SendMessage(msg *protocol.UserMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ErrDead
	}
	switch p.state {
	case StateIdle:
		p.queue = append(p.queue, msg)
		if err := p.spawnLocked(); err != nil {
			p.queue = nil
			return err
		}
		p.state = StateSpawning
		return nil
	case StateSpawning:
		p.queue = append(p.queue, msg)
		return nil
	default:
		p.writeLocked(msg)
		return nil
	}
}

// Interrupt cancels the in-flight turn with SIGINT. Only an active child is
// signalled; it keeps running and stays usable for the next message. The
// idle timer is rearmed so a child that never recovers is still reaped.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ErrDead
	}
	if p.state != StateActive || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	p.activity = ActivityIdle
	p.startIdleTimerLocked()
	p.stopHangTimerLocked()
	return nil
}

// Kill terminates the child: SIGTERM, then SIGKILL after a grace period.
// The exit this causes is not reported as a takeover.
func (p *Process) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
}

// Detach marks the next exit as intentional without signalling the child.
// Used when another supervisor takes the session over.
func (p *Process) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killedByUs = true
}

// WriteRaw writes one raw line to the child's stdin. Used by the supervisor
// socket's pass-through command; the line must be a complete JSON document.
func (p *Process) WriteRaw(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || p.stdin == nil {
		return ErrDead
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte{}, line...), '\n')
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("write raw line: %w", err)
	}
	return nil
}

// RespondToPermission answers a pending can_use_tool request.
func (p *Process) RespondToPermission(requestID string, allow bool, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || p.stdin == nil {
		return ErrDead
	}
	resp := protocol.NewPermissionResponse(requestID, allow, message)
	data, err := protocol.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write permission response: %w", err)
	}
	return nil
}

func (p *Process) spawnLocked() error {
	cmd := exec.Command(p.cfg.Binary, p.cfg.args()...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// The output pipes are owned here rather than via StdoutPipe: Wait
	// closes pipes it created, racing the readers out of the final lines.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		stderr.Close()
		stderrW.Close()
		return fmt.Errorf("start %s: %w", p.cfg.Binary, err)
	}
	// The child holds its own copies of the write ends; dropping ours makes
	// the readers see EOF once the child is gone.
	stdoutW.Close()
	stderrW.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.spawnedAt = time.Now()
	p.log.Info("spawned assistant process",
		zap.Int("pid", cmd.Process.Pid), zap.Strings("args", p.cfg.args()))

	go p.readLoop(stdout)
	go p.drainStderr(stderr)
	go p.waitLoop()

	// Initialize handshake. The child answers with a control_response and
	// emits the system/init event.
	init := protocol.NewInitializeRequest()
	if data, err := protocol.Marshal(init); err == nil {
		if _, werr := stdin.Write(data); werr != nil {
			p.log.Warn("initialize write failed", zap.Error(werr))
		}
	}
	p.startHangTimerLocked()
	return nil
}

// writeLocked marshals and writes one message. Write failures are logged and
// the message dropped; the exit handler reports the real cause.
func (p *Process) writeLocked(msg *protocol.UserMessage) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		p.log.Error("marshal user message", zap.Error(err))
		return
	}
	if _, err := p.stdin.Write(data); err != nil {
		p.log.Warn("stdin write failed, dropping message", zap.Error(err))
		return
	}
	p.activity = ActivityWaitingForAPI
	p.stopIdleTimerLocked()
	p.resetHangTimerLocked()
}

func (p *Process) readLoop(r io.ReadCloser) {
	defer close(p.rdDone)
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Debug("stdout read ended", zap.Error(err))
	}
}

func (p *Process) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.log.Debug("assistant stderr", zap.String("line", line))
		}
	}
}

// handleLine parses one stdout line and applies it to the state machine.
// Events are emitted after the lock is released.
func (p *Process) handleLine(line []byte) {
	ev, ok := protocol.ParseEvent(line)
	if !ok {
		p.log.Debug("unparseable output line dropped", zap.Int("size", len(line)))
		return
	}

	p.mu.Lock()
	out := p.applyLocked(ev)
	p.mu.Unlock()

	for _, e := range out {
		p.emit(e)
	}
}

func (p *Process) applyLocked(ev *protocol.Event) []Event {
	// Any output proves the child is alive.
	p.hangRecheck = false
	if p.activity != ActivityIdle {
		p.resetHangTimerLocked()
	}

	switch ev.Type {
	case protocol.MessageTypeSystem:
		return p.applySystemLocked(ev)

	case protocol.MessageTypeStreamEvent:
		if ev.Event != nil {
			switch ev.Event.Type {
			case protocol.StreamMessageStart, protocol.StreamContentBlockStart:
				p.activity = ActivityResponding
			}
		}
		return []Event{{Type: EventStream, Proto: ev}}

	case protocol.MessageTypeAssistant:
		if ev.Message != nil && ev.Message.StopReason == "tool_use" {
			p.activity = ActivityToolExecuting
		}
		return []Event{{Type: EventAssistant, Proto: ev}}

	case protocol.MessageTypeUser:
		p.activity = ActivityWaitingForAPI
		return []Event{{Type: EventUser, Proto: ev}}

	case protocol.MessageTypeToolResult:
		p.activity = ActivityWaitingForAPI
		return []Event{{Type: EventToolResult, Proto: ev}}

	case protocol.MessageTypeResult:
		p.activity = ActivityIdle
		if ev.CostUSD > 0 {
			p.cost = ev.CostUSD
		}
		p.stopHangTimerLocked()
		if len(p.bgTasks) == 0 {
			p.startIdleTimerLocked()
		}
		return []Event{{Type: EventResult, Proto: ev}}

	case protocol.MessageTypeControlRequest:
		if ev.Request != nil && ev.Request.Subtype == protocol.SubtypeCanUseTool {
			return []Event{{
				Type:      EventPermissionRequest,
				Proto:     ev,
				RequestID: ev.RequestID,
				ToolName:  ev.Request.ToolName,
				ToolInput: ev.Request.Input,
			}}
		}
		return nil

	case protocol.MessageTypeControlResponse:
		// Response to our initialize request; the init system event follows
		// and carries the session details, but the handshake is done now.
		if p.state == StateSpawning {
			p.becomeActiveLocked()
		}
		return nil

	default:
		p.log.Debug("unknown event type dropped", zap.String("type", ev.Type))
		return nil
	}
}

func (p *Process) applySystemLocked(ev *protocol.Event) []Event {
	switch ev.Subtype {
	case protocol.SubtypeInit:
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		if ev.Model != "" {
			p.model = ev.Model
		}
		if p.state == StateSpawning {
			p.becomeActiveLocked()
		}
		return []Event{{Type: EventInit, Proto: ev}}

	case protocol.SubtypeAPIError:
		return []Event{{Type: EventAPIError, Proto: ev}}

	case protocol.SubtypeCompactBoundary:
		return []Event{{Type: EventCompact, Proto: ev}}

	case protocol.SubtypeTaskStarted:
		p.bgTasks[ev.TaskID] = struct{}{}
		p.stopIdleTimerLocked()
		p.startBackgroundCheckLocked()
		return []Event{{Type: EventTaskStarted, Proto: ev}}

	case protocol.SubtypeTaskProgress:
		return []Event{{Type: EventTaskProgress, Proto: ev}}

	case protocol.SubtypeTaskCompleted:
		delete(p.bgTasks, ev.TaskID)
		if len(p.bgTasks) == 0 {
			p.stopBackgroundCheckLocked()
			if p.activity == ActivityIdle {
				p.startIdleTimerLocked()
			}
		}
		return []Event{{Type: EventTaskCompleted, Proto: ev}}

	default:
		return nil
	}
}

func (p *Process) becomeActiveLocked() {
	if p.state != StateSpawning {
		return
	}
	p.state = StateActive
	queued := p.queue
	p.queue = nil
	for _, msg := range queued {
		p.writeLocked(msg)
	}
	p.log.Info("assistant process active",
		zap.String("session_id", p.sessionID), zap.Int("flushed", len(queued)))
}

// --- timers ---

func (p *Process) startIdleTimerLocked() {
	p.stopIdleTimerLocked()
	p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, p.onIdleTimeout)
}

func (p *Process) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Process) startHangTimerLocked() {
	p.stopHangTimerLocked()
	p.hangTimer = time.AfterFunc(p.cfg.HangTimeout, p.onHangTimeout)
}

func (p *Process) resetHangTimerLocked() {
	if p.hangTimer != nil {
		p.hangTimer.Reset(p.cfg.HangTimeout)
	} else {
		p.startHangTimerLocked()
	}
}

func (p *Process) stopHangTimerLocked() {
	if p.hangTimer != nil {
		p.hangTimer.Stop()
		p.hangTimer = nil
	}
}

func (p *Process) startBackgroundCheckLocked() {
	if p.bgTimer == nil {
		p.bgTimer = time.AfterFunc(backgroundCheckTick, p.onBackgroundCheck)
	}
}

func (p *Process) stopBackgroundCheckLocked() {
	if p.bgTimer != nil {
		p.bgTimer.Stop()
		p.bgTimer = nil
	}
}

func (p *Process) onIdleTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || p.activity != ActivityIdle || len(p.bgTasks) > 0 {
		return
	}
	p.log.Info("idle timeout reached, terminating assistant process",
		zap.String("session_id", p.sessionID))
	p.killLocked()
}

// onHangTimeout decides whether the silent child is genuinely stuck.
// An in-flight API call or a tool with live descendant processes extends
// the deadline; a toolless silence gets one short re-check before the
// process is declared hung and killed.
func (p *Process) onHangTimeout() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}

	switch {
	case p.activity == ActivityWaitingForAPI:
		p.hangTimer = time.AfterFunc(p.cfg.HangTimeout, p.onHangTimeout)
		p.mu.Unlock()
		return
	case p.activity == ActivityToolExecuting && pid > 0 && p.inspector.HasDescendants(pid):
		p.hangRecheck = false
		p.hangTimer = time.AfterFunc(p.cfg.HangTimeout, p.onHangTimeout)
		p.mu.Unlock()
		return
	case p.activity == ActivityToolExecuting && !p.hangRecheck:
		p.hangRecheck = true
		p.hangTimer = time.AfterFunc(hangRecheckDelay, p.onHangTimeout)
		p.mu.Unlock()
		return
	}

	p.log.Warn("assistant process hung, terminating",
		zap.String("session_id", p.sessionID), zap.String("activity", string(p.activity)))
	p.killLocked()
	p.mu.Unlock()
	p.emit(Event{Type: EventHang})
}

// onBackgroundCheck clears background-task tracking once the child has no
// descendant processes left, which resumes idle accounting for tasks whose
// completion event never arrived.
func (p *Process) onBackgroundCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || len(p.bgTasks) == 0 {
		return
	}
	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	if pid > 0 && p.inspector.HasDescendants(pid) {
		p.bgTimer = time.AfterFunc(backgroundCheckTick, p.onBackgroundCheck)
		return
	}
	p.log.Info("background tasks finished without completion events",
		zap.Int("count", len(p.bgTasks)))
	p.bgTasks = make(map[string]struct{})
	p.bgTimer = nil
	if p.activity == ActivityIdle {
		p.startIdleTimerLocked()
	}
}

func (p *Process) killLocked() {
	if p.dead || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.killedByUs = true
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	proc := p.cmd.Process
	p.killTimer = time.AfterFunc(sigkillGrace, func() {
		_ = proc.Kill()
	})
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	// The stdout pipe is owned by the reader, so Wait cannot close it out
	// from under a buffered final line. Drain to EOF before finalizing,
	// bounded in case a leaked descendant keeps the write end open.
	select {
	case <-p.rdDone:
	case <-time.After(2 * time.Second):
	}

	exitCode := 0
	signaled := false
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
		if exitCode == -1 {
			signaled = true
		}
	} else if err != nil {
		exitCode = 1
	}
	p.finish(exitCode, signaled)
}

// finish finalizes the supervisor. An exit we did not cause, by signal or
// with a non-zero code, is reported as a takeover before the exit event.
func (p *Process) finish(exitCode int, signaled bool) {
	p.mu.Lock()
	p.stopIdleTimerLocked()
	p.stopHangTimerLocked()
	p.stopBackgroundCheckLocked()
	if p.killTimer != nil {
		p.killTimer.Stop()
		p.killTimer = nil
	}
	takenOver := !p.killedByUs && (exitCode != 0 || signaled)
	p.state = StateIdle
	p.activity = ActivityIdle
	p.dead = true
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	if dropped > 0 {
		p.log.Warn("process exited with queued messages dropped", zap.Int("count", dropped))
	}
	p.log.Info("assistant process exited",
		zap.Int("exit_code", exitCode),
		zap.Bool("signaled", signaled),
		zap.Bool("taken_over", takenOver))

	if takenOver {
		p.emit(Event{Type: EventTakeover, ExitCode: exitCode})
	}
	p.emit(Event{Type: EventExit, ExitCode: exitCode})

	p.emitMu.Lock()
	p.closed = true
	close(p.events)
	p.emitMu.Unlock()
}

func (p *Process) emit(ev Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		// Consumer is stalled. Lifecycle events must not be lost; data
		// events may be dropped under backpressure.
		switch ev.Type {
		case EventExit, EventTakeover, EventHang, EventResult:
			p.events <- ev
		default:
			p.log.Warn("event dropped under backpressure", zap.String("type", string(ev.Type)))
		}
	}
}
