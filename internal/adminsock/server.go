package adminsock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/events/bus"
)

// readTimeout bounds idle request/response connections. Registered
// supervisor connections are long-lived push channels and are exempt.
const readTimeout = 10 * time.Second

// AgentController is the slice of the bridge the admin surface drives.
type AgentController interface {
	AgentIDs() []string

	// SendMessage injects text as if the owning chat user had typed it.
	SendMessage(ctx context.Context, agentID, text string) error

	// SendToCC writes one raw line to the assistant's stdin.
	SendToCC(ctx context.Context, agentID string, line []byte) error

	// Status reports the agent's current process and session state.
	Status(agentID string) (map[string]any, error)

	// KillCC terminates the agent's assistant process.
	KillCC(agentID string) error
}

// Server owns one control socket per agent under <dir>/ctl/.
type Server struct {
	dir  string
	ctrl AgentController
	bus  bus.Bus
	log  *logger.Logger

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
}

// NewServer builds the admin socket server rooted at socketDir.
func NewServer(socketDir string, ctrl AgentController, b bus.Bus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		dir:   filepath.Join(socketDir, "ctl"),
		ctrl:  ctrl,
		bus:   b,
		log:   log.WithFields(zap.String("component", "adminsock")),
		conns: make(map[net.Conn]struct{}),
	}
}

// SocketPath returns the control socket path for one agent.
func (s *Server) SocketPath(agentID string) string {
	return filepath.Join(s.dir, agentID+".sock")
}

// Start binds one listener per agent. Stale socket files are removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	for _, agentID := range s.ctrl.AgentIDs() {
		path := s.SocketPath(agentID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return fmt.Errorf("listen %s: %w", path, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.log.Info("admin socket listening", zap.String("path", path))
		go s.acceptLoop(ln)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// connState is the per-connection supervisor state.
type connState struct {
	conn    net.Conn
	writeMu sync.Mutex
	enc     *json.Encoder

	supervisor bool
	agentID    string

	mu            sync.Mutex
	subs          map[string]bus.Subscription
	suppressExits map[string]bool // session ids with a pending takeover
}

func (c *connState) write(resp Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.enc.Encode(resp)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	c := &connState{
		conn:          conn,
		enc:           json.NewEncoder(conn),
		subs:          make(map[string]bus.Subscription),
		suppressExits: make(map[string]bool),
	}
	defer func() {
		c.mu.Lock()
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if !c.supervisor {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			// Malformed lines answer an error and keep the connection.
			c.write(Response{Type: "error", Error: "invalid JSON"})
			continue
		}
		s.handleRequest(c, &req)
	}
}

func (s *Server) handleRequest(c *connState, req *Request) {
	switch req.Type {
	case "message":
		if err := s.ctrl.SendMessage(context.Background(), req.Agent, req.Text); err != nil {
			c.write(Response{Type: "error", Error: err.Error()})
			return
		}
		c.write(Response{Type: "ack"})

	case "status":
		st, err := s.ctrl.Status(req.Agent)
		if err != nil {
			c.write(Response{Type: "error", Error: err.Error()})
			return
		}
		c.write(Response{Type: "status", Status: st})

	case "register_supervisor":
		if req.AgentID == "" {
			c.write(Response{Type: "error", Error: "agentId required"})
			return
		}
		c.supervisor = true
		c.agentID = req.AgentID
		s.log.Info("supervisor registered",
			zap.String("agent_id", req.AgentID), zap.Strings("capabilities", req.Capabilities))
		c.write(Response{Type: "ack"})

	case "command":
		if !c.supervisor {
			c.write(Response{Type: "error", Error: "not registered as supervisor"})
			return
		}
		s.handleCommand(c, req)

	default:
		c.write(Response{Type: "error", Error: fmt.Sprintf("unknown request type %q", req.Type)})
	}
}

func (s *Server) handleCommand(c *connState, req *Request) {
	var params CommandParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.write(Response{Type: "response", RequestID: req.RequestID, Error: "invalid params"})
			return
		}
	}

	respond := func(result any, err error) {
		resp := Response{Type: "response", RequestID: req.RequestID}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		c.write(resp)
	}

	switch req.Action {
	case ActionPing:
		respond("pong", nil)

	case ActionSendMessage:
		respond("ok", s.ctrl.SendMessage(context.Background(), c.agentID, params.Text))

	case ActionSendToCC:
		line := params.Line
		if line == "" {
			line = params.Text
		}
		respond("ok", s.ctrl.SendToCC(context.Background(), c.agentID, []byte(line)))

	case ActionSubscribe:
		filter := params.Filter
		if filter == "" {
			filter = c.agentID + ":*"
		}
		c.mu.Lock()
		_, exists := c.subs[filter]
		c.mu.Unlock()
		if exists {
			respond("already subscribed", nil)
			return
		}
		sub, err := s.bus.Subscribe(filter, func(ev bus.Event) { s.pushEvent(c, ev) })
		if err != nil {
			respond(nil, err)
			return
		}
		c.mu.Lock()
		c.subs[filter] = sub
		c.mu.Unlock()
		respond("subscribed", nil)

	case ActionUnsubscribe:
		filter := params.Filter
		if filter == "" {
			filter = c.agentID + ":*"
		}
		c.mu.Lock()
		sub, ok := c.subs[filter]
		delete(c.subs, filter)
		c.mu.Unlock()
		if ok {
			_ = sub.Unsubscribe()
		}
		respond("unsubscribed", nil)

	case ActionStatus:
		st, err := s.ctrl.Status(c.agentID)
		respond(st, err)

	case ActionKillCC:
		respond("ok", s.ctrl.KillCC(c.agentID))

	default:
		respond(nil, fmt.Errorf("unknown action %q", req.Action))
	}
}

// pushEvent forwards one bus event to a supervisor connection. A takeover
// suppresses the next process_exit for the same session, since the exit is
// a consequence the supervisor already knows about.
func (s *Server) pushEvent(c *connState, ev bus.Event) {
	c.mu.Lock()
	switch ev.Type {
	case bus.TypeSessionTakeover:
		c.suppressExits[ev.SessionID] = true
	case bus.TypeProcessExit:
		if c.suppressExits[ev.SessionID] {
			delete(c.suppressExits, ev.SessionID)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	c.write(Response{
		Type:      "event",
		Event:     ev.Type,
		AgentID:   ev.AgentID,
		SessionID: ev.SessionID,
		Payload:   ev.Payload,
	})
}

// Close shuts every listener and connected client down.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}
