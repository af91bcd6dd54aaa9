// Package operator — server.go
//
// Unix domain socket administrative surface for the PEL manager, standing
// in for the process-bus object surface the spec puts out of scope (§1,
// §9). Grounded directly in the teacher's operator protocol shape.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/pel-manager/operator.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"list"}
//	  → Response: {"ok":true,"ids":[1,2,3]}
//
//	{"cmd":"get","id":1}
//	  → Response: {"ok":true,"id":1,"attributes":{...}}
//
//	{"cmd":"delete","id":1}
//	  → Response: {"ok":true,"id":1}
//
//	{"cmd":"resend","id":1}
//	  → Re-enqueues the PEL into the host notifier, bypassing
//	    enqueueRequired — an explicit operator decision.
//	  → Response: {"ok":true,"id":1}
//
//	{"cmd":"set-resolved","id":1,"resolved":true}
//	  → Response: {"ok":true,"id":1,"resolved":true}
//
//	{"cmd":"stats"}
//	  → Response: {"ok":true,"stats":{"bmc-informational":1234,...}}
//
//	{"cmd":"subscribe"}
//	  → Switches the connection into an event stream: one JSON Event
//	    line per added/removed/transmission-state-changed PEL, until the
//	    connection is closed. Never returns a normal Response.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: configurable (operator use only, not
//     high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write for one-shot commands;
//     subscribe connections have no read deadline once switched to
//     streaming mode, only a write deadline per event.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/repository"
)

const (
	maxRequestBytes = 4096
	connTimeout     = 10 * time.Second
	writeDeadline   = 10 * time.Second
)

// PELStore is the subset of *manager.Manager the operator surface drives.
// Narrowed to an interface, per the same collaborator-boundary pattern
// internal/dataiface uses, so this package doesn't import internal/manager
// just to call a handful of methods.
type PELStore interface {
	List() []uint32
	GetAttributes(id uint32) (repository.Attributes, error)
	Get(id uint32) (*pel.PEL, error)
	Delete(id uint32) error
	SetResolved(id uint32, resolved bool) error
	Resend(id uint32)
	Stats() (map[repository.SizeClass]int64, error)
}

// EventSource is the subset of *repository.Repository the operator surface
// subscribes to in order to mirror the three "Emitted events" from §6 as a
// live JSON line stream.
type EventSource interface {
	SubscribeAdd(name string, sub repository.AddSubscriber)
	UnsubscribeAdd(name string)
	SubscribeDelete(name string, sub repository.DeleteSubscriber)
	UnsubscribeDelete(name string)
	SubscribeTransState(name string, sub repository.TransStateSubscriber)
	UnsubscribeTransState(name string)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd      string `json:"cmd"` // list | get | delete | resend | set-resolved | stats | subscribe
	ID       uint32 `json:"id,omitempty"`
	Resolved bool   `json:"resolved,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK         bool                   `json:"ok"`
	Error      string                 `json:"error,omitempty"`
	ID         uint32                 `json:"id,omitempty"`
	IDs        []uint32               `json:"ids,omitempty"`
	Attributes *repository.Attributes `json:"attributes,omitempty"`
	Resolved   bool                   `json:"resolved,omitempty"`
	Stats      map[string]int64       `json:"stats,omitempty"`
}

// Event is one line of the subscribe stream.
type Event struct {
	Type  string `json:"type"` // added | removed | trans-state-changed
	ID    uint32 `json:"id"`
	Host  bool   `json:"host,omitempty"`
	State string `json:"state,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	store      PELStore
	events     EventSource
	log        *zap.Logger
	sem        chan struct{}

	connCounter uint64
}

// NewServer creates an operator Server. maxConns bounds concurrent
// connections (commands and subscribe streams share the same pool).
func NewServer(socketPath string, store PELStore, events EventSource, log *zap.Logger, maxConns int) *Server {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Server{
		socketPath: socketPath,
		store:      store,
		events:     events,
		log:        log,
		sem:        make(chan struct{}, maxConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads one JSON request. "subscribe" switches the connection
// into a streaming event feed for its remaining lifetime; every other
// command gets exactly one JSON response and the connection closes.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	line, err := reader.ReadSlice('\n')
	if err != nil && len(line) == 0 {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	if req.Cmd == "subscribe" {
		s.streamEvents(ctx, conn)
		return
	}

	_ = conn.SetDeadline(time.Now().Add(connTimeout))
	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "list":
		return s.cmdList()
	case "get":
		return s.cmdGet(req)
	case "delete":
		return s.cmdDelete(req)
	case "resend":
		return s.cmdResend(req)
	case "set-resolved":
		return s.cmdSetResolved(req)
	case "stats":
		return s.cmdStats()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, IDs: s.store.List()}
}

func (s *Server) cmdGet(req Request) Response {
	attrs, err := s.store.GetAttributes(req.ID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, ID: req.ID, Attributes: &attrs}
}

func (s *Server) cmdDelete(req Request) Response {
	if err := s.store.Delete(req.ID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: PEL deleted", zap.Uint32("pelId", req.ID))
	return Response{OK: true, ID: req.ID}
}

func (s *Server) cmdResend(req Request) Response {
	s.store.Resend(req.ID)
	s.log.Info("operator: PEL resend requested", zap.Uint32("pelId", req.ID))
	return Response{OK: true, ID: req.ID}
}

func (s *Server) cmdSetResolved(req Request) Response {
	if err := s.store.SetResolved(req.ID, req.Resolved); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, ID: req.ID, Resolved: req.Resolved}
}

func (s *Server) cmdStats() Response {
	raw, err := s.store.Stats()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	stats := make(map[string]int64, len(raw))
	for class, bytes := range raw {
		stats[class.String()] = bytes
	}
	return Response{OK: true, Stats: stats}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// streamEvents registers one-shot subscriptions against s.events for the
// lifetime of conn, serializing every add/delete/trans-state-change as an
// Event line. Subscriptions are unregistered when the connection closes or
// ctx is cancelled.
func (s *Server) streamEvents(ctx context.Context, conn net.Conn) {
	name := fmt.Sprintf("operator-conn-%d", atomic.AddUint64(&s.connCounter, 1))

	out := make(chan Event, 64)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	s.events.SubscribeAdd(name, func(id uint32, _ repository.Attributes) {
		postEvent(out, done, Event{Type: "added", ID: id})
	})
	s.events.SubscribeDelete(name, func(id uint32) {
		postEvent(out, done, Event{Type: "removed", ID: id})
	})
	s.events.SubscribeTransState(name, func(id uint32, host bool, state pel.TransmissionState) {
		postEvent(out, done, Event{Type: "trans-state-changed", ID: id, Host: host, State: state.String()})
	})
	defer func() {
		s.events.UnsubscribeAdd(name)
		s.events.UnsubscribeDelete(name)
		s.events.UnsubscribeTransState(name)
		closeDone()
	}()

	_ = conn.SetReadDeadline(time.Time{})
	// drain reads until the peer closes, so a half-closed connection is
	// detected instead of leaking the subscription forever.
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				closeDone()
				return
			}
		}
	}()

	for {
		select {
		case ev := <-out:
			data, _ := json.Marshal(ev)
			data = append(data, '\n')
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if _, err := conn.Write(data); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// postEvent enqueues ev without blocking the repository's subscriber
// notification loop; a slow or stuck subscribe connection drops events
// instead of stalling Add/Remove/SetHostTransState for every other caller.
func postEvent(out chan Event, done chan struct{}, ev Event) {
	select {
	case out <- ev:
	case <-done:
	default:
	}
}
