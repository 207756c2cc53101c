// Package toolsock serves the tool-exposure socket: the assistant's MCP
// sidecar connects here to deliver files, images and voice notes straight
// to the chat, bypassing the streamed message. One socket per (agent, user),
// newline-delimited JSON, request/response.
package toolsock

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
	"github.com/tgcc/tgcc/internal/telegram"
)

const requestTimeout = 30 * time.Second

// Tools the socket accepts.
const (
	ToolSendFile  = "send_file"
	ToolSendImage = "send_image"
	ToolSendVoice = "send_voice"
)

// Request is one incoming tool call.
type Request struct {
	ID      string `json:"id"`
	Tool    string `json:"tool"`
	AgentID string `json:"agentId"`
	UserID  int64  `json:"userId"`
	Params  Params `json:"params"`
}

// Params carries the tool arguments.
type Params struct {
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// Response answers one tool call.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Server owns the tool-exposure socket of one (agent, user) pair.
type Server struct {
	path   string
	bot    telegram.Bot
	chatID int64
	log    *logger.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
}

// SocketPath returns the well-known socket path for an (agent, user) pair.
func SocketPath(socketDir, agentID string, userID int64) string {
	return filepath.Join(socketDir, "sockets", fmt.Sprintf("%s-%d.sock", agentID, userID))
}

// NewServer builds a tool socket delivering to the given chat.
func NewServer(path string, bot telegram.Bot, chatID int64, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		path:   path,
		bot:    bot,
		chatID: chatID,
		log:    log.WithFields(zap.String("component", "toolsock"), zap.String("path", path)),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the socket, removing a stale file first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
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

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Success: false, Error: "invalid JSON"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := s.dispatch(ctx, &req)
		cancel()

		resp := Response{ID: req.ID, Success: err == nil}
		if err != nil {
			resp.Error = err.Error()
			s.log.Warn("tool call failed",
				zap.String("tool", req.Tool), zap.Error(err))
		}
		_ = enc.Encode(resp)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) error {
	if req.Params.Path == "" {
		return errors.New("path is required")
	}
	if _, err := os.Stat(req.Params.Path); err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}

	switch req.Tool {
	case ToolSendFile:
		_, err := s.bot.SendDocument(ctx, s.chatID, req.Params.Path, req.Params.Caption)
		return err

	case ToolSendImage:
		data, err := os.ReadFile(req.Params.Path)
		if err != nil {
			return err
		}
		_, err = s.bot.SendPhoto(ctx, s.chatID, data, req.Params.Caption)
		return err

	case ToolSendVoice:
		_, err := s.bot.SendVoice(ctx, s.chatID, req.Params.Path)
		return err

	default:
		return fmt.Errorf("unknown tool %q", req.Tool)
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Close shuts the listener and every client connection down and removes
// the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.ln = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	_ = os.Remove(s.path)
	return nil
}
