package claude

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcc/tgcc/internal/protocol"
)

func TestConfigArgs(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    []string
		notWant []string
	}{
		{
			name: "defaults",
			cfg:  Config{},
			want: []string{
				"-p", "--input-format", "stream-json", "--output-format", "stream-json",
				"--verbose", "--include-partial-messages", "--max-turns", "25",
			},
			notWant: []string{"--model", "--resume", "--continue", "--permission-mode"},
		},
		{
			name:    "skip permissions",
			cfg:     Config{PermissionMode: PermissionSkip},
			want:    []string{"--dangerously-skip-permissions"},
			notWant: []string{"--permission-mode"},
		},
		{
			name: "accept edits",
			cfg:  Config{PermissionMode: PermissionAcceptEdits},
			want: []string{"--permission-mode", "acceptEdits"},
		},
		{
			name: "plan mode",
			cfg:  Config{PermissionMode: PermissionPlan},
			want: []string{"--permission-mode", "plan"},
		},
		{
			name: "model and mcp config",
			cfg:  Config{Model: "opus", MCPConfigPath: "/tmp/mcp.json"},
			want: []string{"--model", "opus", "--mcp-config", "/tmp/mcp.json"},
		},
		{
			name:    "resume wins over continue",
			cfg:     Config{Resume: "sess-1", Continue: true},
			want:    []string{"--resume", "sess-1"},
			notWant: []string{"--continue"},
		},
		{
			name: "continue",
			cfg:  Config{Continue: true},
			want: []string{"--continue"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg.withDefaults()
			got := strings.Join(cfg.args(), " ")
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
			for _, nw := range tt.notWant {
				assert.NotContains(t, got, nw)
			}
		})
	}
}

// newTestProcess returns a process wired to an in-memory stdin, placed
// directly in the given state so tests can drive the event loop without
// spawning a child.
func newTestProcess(t *testing.T, state State) (*Process, *bytes.Buffer) {
	t.Helper()
	p := NewProcess(Config{WorkDir: t.TempDir()}, nil)
	buf := &bytes.Buffer{}
	p.stdin = buf
	p.state = state
	return p, buf
}

func drainEvents(p *Process) []Event {
	var out []Event
	for {
		select {
		case ev := <-p.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestQueueFlushOnInit(t *testing.T) {
	p, buf := newTestProcess(t, StateSpawning)

	require.NoError(t, p.SendMessage(protocol.NewUserMessage("first")))
	require.NoError(t, p.SendMessage(protocol.NewUserMessage("second")))
	assert.Zero(t, buf.Len(), "messages must queue while spawning")

	p.handleLine([]byte(`{"type":"system","subtype":"init","session_id":"sess-1","model":"opus"}`))

	assert.Equal(t, StateActive, p.state)
	assert.Equal(t, "sess-1", p.SessionID())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")

	events := drainEvents(p)
	require.Len(t, events, 1)
	assert.Equal(t, EventInit, events[0].Type)
}

func TestActiveSendWritesThrough(t *testing.T) {
	p, buf := newTestProcess(t, StateActive)

	require.NoError(t, p.SendMessage(protocol.NewUserMessage("hello")))
	assert.Contains(t, buf.String(), "hello")
	assert.Equal(t, ActivityWaitingForAPI, p.activity)
}

func TestActivityTransitions(t *testing.T) {
	p, _ := newTestProcess(t, StateActive)

	p.handleLine([]byte(`{"type":"stream_event","event":{"type":"message_start"}}`))
	assert.Equal(t, ActivityResponding, p.activity)

	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[],"stop_reason":"tool_use"}}`))
	assert.Equal(t, ActivityToolExecuting, p.activity)

	p.handleLine([]byte(`{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}`))
	assert.Equal(t, ActivityWaitingForAPI, p.activity)

	p.handleLine([]byte(`{"type":"result","subtype":"success","total_cost_usd":0.42}`))
	assert.Equal(t, ActivityIdle, p.activity)
	assert.InDelta(t, 0.42, p.Info().CostUSD, 1e-9)

	types := []EventType{}
	for _, ev := range drainEvents(p) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventStream, EventAssistant, EventToolResult, EventResult}, types)
}

func TestPermissionRequestEvent(t *testing.T) {
	p, buf := newTestProcess(t, StateActive)

	p.handleLine([]byte(`{"type":"control_request","request_id":"req-7","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /tmp/x"}}}`))

	events := drainEvents(p)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventPermissionRequest, ev.Type)
	assert.Equal(t, "req-7", ev.RequestID)
	assert.Equal(t, "Bash", ev.ToolName)
	assert.Equal(t, "rm -rf /tmp/x", ev.ToolInput["command"])

	require.NoError(t, p.RespondToPermission("req-7", false, "denied from chat"))
	assert.Contains(t, buf.String(), `"deny"`)
	assert.Contains(t, buf.String(), "req-7")
}

func TestBackgroundTaskTracking(t *testing.T) {
	p, _ := newTestProcess(t, StateActive)

	p.handleLine([]byte(`{"type":"system","subtype":"task_started","task_id":"bg-1"}`))
	p.handleLine([]byte(`{"type":"system","subtype":"task_started","task_id":"bg-2"}`))
	assert.Len(t, p.bgTasks, 2)
	assert.Nil(t, p.idleTimer, "idle timer suppressed while tasks run")

	p.handleLine([]byte(`{"type":"result","subtype":"success"}`))
	assert.Nil(t, p.idleTimer, "idle timer stays off until tasks complete")

	p.handleLine([]byte(`{"type":"system","subtype":"task_completed","task_id":"bg-1"}`))
	assert.Len(t, p.bgTasks, 1)
	p.handleLine([]byte(`{"type":"system","subtype":"task_completed","task_id":"bg-2"}`))
	assert.Empty(t, p.bgTasks)
	assert.NotNil(t, p.idleTimer, "idle timer resumes after last task")

	types := []EventType{}
	for _, ev := range drainEvents(p) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventTaskStarted, EventTaskStarted, EventResult, EventTaskCompleted, EventTaskCompleted,
	}, types)
}

// writeStubBinary writes an executable shell script acting as the child.
func writeStubBinary(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "stub.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// waitEvent consumes events until the wanted type arrives.
func waitEvent(t *testing.T, p *Process, want EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("events closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestExitDeliversFinalResultLine(t *testing.T) {
	dir := t.TempDir()
	stub := writeStubBinary(t, dir, `printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-exit","model":"opus"}'
while read -r line; do
  case "$line" in
  *'"type":"user"'*)
    printf '%s\n' '{"type":"result","subtype":"success","total_cost_usd":0.01}'
    exit 0
    ;;
  esac
done
`)
	p := NewProcess(Config{Binary: stub, WorkDir: dir}, nil)
	require.NoError(t, p.SendMessage(protocol.NewUserMessage("hi")))

	result := waitEvent(t, p, EventResult)
	assert.Equal(t, "success", result.Proto.Subtype)
	exit := waitEvent(t, p, EventExit)
	assert.Equal(t, 0, exit.ExitCode)
}

func TestInterruptSignalsActiveChild(t *testing.T) {
	dir := t.TempDir()
	stub := writeStubBinary(t, dir, `trap 'printf "%s\n" "{\"type\":\"result\",\"subtype\":\"interrupted\"}"; exit 0' INT
printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-int","model":"opus"}'
while read -r line; do :; done
`)
	p := NewProcess(Config{Binary: stub, WorkDir: dir}, nil)
	require.NoError(t, p.SendMessage(protocol.NewUserMessage("hi")))

	waitEvent(t, p, EventInit)
	require.NoError(t, p.Interrupt())

	result := waitEvent(t, p, EventResult)
	assert.Equal(t, "interrupted", result.Proto.Subtype)
	exit := waitEvent(t, p, EventExit)
	assert.Equal(t, 0, exit.ExitCode, "a cancelled child winds down cleanly")
}

func TestInterruptGatedOnActiveState(t *testing.T) {
	p, buf := newTestProcess(t, StateSpawning)

	require.NoError(t, p.Interrupt())
	assert.Zero(t, buf.Len(), "no traffic to a child still spawning")
	assert.Nil(t, p.idleTimer, "idle accounting untouched before activity")

	p.finish(0, false)
	assert.ErrorIs(t, p.Interrupt(), ErrDead)
}

func TestFinishReportsTakeover(t *testing.T) {
	tests := []struct {
		name         string
		killedByUs   bool
		exitCode     int
		signaled     bool
		wantTakeover bool
	}{
		{"unexpected nonzero exit", false, 1, false, true},
		{"unexpected signal", false, -1, true, true},
		{"clean exit", false, 0, false, false},
		{"killed by supervisor", true, -1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProcess(t, StateActive)
			p.killedByUs = tt.killedByUs

			p.finish(tt.exitCode, tt.signaled)

			var types []EventType
			for ev := range p.events {
				types = append(types, ev.Type)
			}
			if tt.wantTakeover {
				assert.Equal(t, []EventType{EventTakeover, EventExit}, types)
			} else {
				assert.Equal(t, []EventType{EventExit}, types)
			}
			assert.Equal(t, StateIdle, p.state)
			assert.ErrorIs(t, p.SendMessage(protocol.NewUserMessage("late")), ErrDead)
		})
	}
}

func TestAPIErrorAndCompactEvents(t *testing.T) {
	p, _ := newTestProcess(t, StateActive)

	p.handleLine([]byte(`{"type":"system","subtype":"api_error","message":"Overloaded","status":529,"retryAttempt":2,"maxRetries":10}`))
	p.handleLine([]byte(`{"type":"system","subtype":"compact_boundary"}`))

	events := drainEvents(p)
	require.Len(t, events, 2)
	assert.Equal(t, EventAPIError, events[0].Type)
	assert.Equal(t, "Overloaded", events[0].Proto.ErrorMessage)
	assert.Equal(t, 529, events[0].Proto.Status)
	assert.Equal(t, EventCompact, events[1].Type)
}

func TestPendingSessionIDPlaceholder(t *testing.T) {
	p := NewProcess(Config{}, nil)
	assert.True(t, strings.HasPrefix(p.SessionID(), "pending-"))
	assert.Equal(t, StateIdle, p.Info().State)
	assert.Equal(t, time.Duration(0), p.Info().Uptime)
}
