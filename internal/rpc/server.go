package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gridkit/gridkit/internal/engine"
	"github.com/gridkit/gridkit/internal/types"
)

// Server serves the engine API on a unix socket. Connections are accepted
// concurrently but engine calls are serialized under one mutex: the engine
// is single-owner by contract.
type Server struct {
	eng    *engine.Engine
	socket string
	onSave func() error
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewServer creates a server for the engine. onSave, when non-nil, handles
// the save operation (the daemon decides where snapshots go).
func NewServer(eng *engine.Engine, socket string, onSave func() error) *Server {
	return &Server{eng: eng, socket: socket, onSave: onSave}
}

// ListenAndServe accepts connections until the context is canceled or
// a shutdown request arrives.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.socket)
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.socket, err)
	}
	defer os.Remove(s.socket)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		g.Go(func() error {
			defer conn.Close()
			s.serveConn(conn)
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errResponse(fmt.Errorf("bad request: %w", err))
		} else {
			resp = s.handle(req)
		}
		if err := enc.Encode(resp); err != nil {
			log.Printf("rpc: write response: %v", err)
			return
		}
		if req.Op == OpShutdown {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("rpc: read request: %v", err)
	}
}

func (s *Server) handle(req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Op {
	case OpPing:
		return okResponse("pong")
	case OpApply:
		return s.handleApply(req)
	case OpFetch:
		return s.handleFetch(req)
	case OpSchema:
		text, err := s.eng.FetchTableSchema()
		if err != nil {
			return errResponse(err)
		}
		return okResponse(text)
	case OpFormulaError:
		return s.handleFormulaError(req)
	case OpSave:
		if s.onSave == nil {
			return errResponse(errors.New("saving is not configured"))
		}
		if err := s.onSave(); err != nil {
			return errResponse(err)
		}
		return okResponse("saved")
	case OpShutdown:
		if s.cancel != nil {
			s.cancel()
		}
		return okResponse("bye")
	}
	return errResponse(fmt.Errorf("unknown op %q", req.Op))
}

func (s *Server) handleApply(req Request) Response {
	actions := make([]types.UserAction, 0, len(req.Actions))
	for _, raw := range req.Actions {
		var ua []any
		if err := json.Unmarshal(raw, &ua); err != nil {
			return errResponse(fmt.Errorf("bad user action: %w", err))
		}
		actions = append(actions, types.UserAction(ua))
	}
	var user *types.User
	if req.User != nil {
		user = &types.User{
			Name:    req.User.Name,
			Email:   req.User.Email,
			UserID:  req.User.UserID,
			Access:  req.User.Access,
			LinkKey: req.User.LinkKey,
		}
	}
	group, err := s.eng.ApplyUserActions(actions, user)
	if err != nil {
		return errResponse(err)
	}

	result := ApplyResult{
		Stored:    encodeActions(group.Stored),
		Direct:    group.Direct,
		Undo:      encodeActions(group.Undo),
		Calc:      encodeActions(group.Calc),
		RetValues: group.RetValues,
	}
	if len(group.Requests) > 0 {
		result.Requests = map[string]any{}
		for _, key := range group.SortedRequestKeys() {
			ri := group.Requests[key]
			result.Requests[key] = map[string]any{"args": ri.Args, "deps": ri.Deps}
		}
	}
	return okResponse(result)
}

func encodeActions(actions []types.DocAction) [][]any {
	out := make([][]any, len(actions))
	for i, a := range actions {
		out[i] = types.ActionToRepr(a)
	}
	return out
}

func (s *Server) handleFetch(req Request) Response {
	formulas := true
	if req.Formulas != nil {
		formulas = *req.Formulas
	}
	var query map[string][]types.Value
	if req.Query != nil {
		query = map[string][]types.Value{}
		for colID, vals := range req.Query {
			dv := make([]types.Value, len(vals))
			for i, v := range vals {
				dv[i] = types.DecodeValue(v)
			}
			query[colID] = dv
		}
	}
	data, err := s.eng.FetchTable(req.TableID, formulas, query)
	if err != nil {
		return errResponse(err)
	}
	result := FetchResult{TableID: data.TableID, RowIDs: data.RowIDs, Columns: map[string][]any{}}
	if result.RowIDs == nil {
		result.RowIDs = []int64{}
	}
	for colID, vals := range data.Columns {
		enc := make([]any, len(vals))
		for i, v := range vals {
			enc[i] = types.EncodeValue(v)
		}
		result.Columns[colID] = enc
	}
	return okResponse(result)
}

func (s *Server) handleFormulaError(req Request) Response {
	res, err := s.eng.GetFormulaError(req.TableID, req.ColID, req.RowID)
	if err != nil {
		return errResponse(err)
	}
	out := FormulaErrorResult{}
	if res.Error != nil {
		out.Kind = res.Error.Kind
		out.Message = res.Error.Message
		out.Details = res.Error.Details
	} else {
		out.Value = types.EncodeValue(res.Value)
	}
	return okResponse(out)
}
