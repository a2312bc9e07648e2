// Package server is the thin TCP front end over the feeding engine. It
// accepts feed requests, waits for the per-key terminal outcomes and
// reports them back, and serves committed entries and sync status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/feeder"
	"github.com/leonardcser/cache-feeder/internal/store"
)

// Reader is the read-side store view the front end serves from.
type Reader interface {
	Get(key feed.Key) (*feed.Entry, error)
	Watermark(ks feed.Keyspace) (uint64, bool, error)
}

type Server struct {
	addr   string
	feeder *feeder.Feeder
	reader Reader
	log    logr.Logger

	mu sync.Mutex
	ln net.Listener
}

func New(addr string, f *feeder.Feeder, r Reader, log logr.Logger) *Server {
	return &Server{addr: addr, feeder: f, reader: r, log: log}
}

// Addr returns the bound listener address, or nil before Serve has
// started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve listens on the configured address and handles connections
// until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error(err, "accept")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		var resp Response
		switch req.Op {
		case "feed":
			resp = s.handleFeed(ctx, &req)
		case "get":
			resp = s.handleGet(&req)
		case "status":
			resp = s.handleStatus()
		default:
			resp = Response{Error: "unknown op"}
		}
		if err := enc.Encode(&resp); err != nil {
			return
		}
	}
}

func (s *Server) handleFeed(ctx context.Context, req *Request) Response {
	if len(req.Keys) == 0 {
		return Response{Error: "feed: no keys"}
	}
	keys := make([]feed.Key, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = feed.Key(k)
	}
	outs := s.feeder.FeedBatch(ctx, keys, req.Priority)
	resp := Response{OK: true, Outcomes: make([]KeyOutcome, len(outs))}
	for i, o := range outs {
		ko := KeyOutcome{Key: string(o.Key), OK: o.Success(), Token: uint64(o.Token)}
		if o.Err != nil {
			ko.Kind = string(feed.KindOf(o.Err))
			ko.Error = o.Err.Error()
			resp.OK = false
		}
		resp.Outcomes[i] = ko
	}
	return resp
}

func (s *Server) handleGet(req *Request) Response {
	if req.Key == "" {
		return Response{Error: "get: no key"}
	}
	entry, err := s.reader.Get(feed.Key(req.Key))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Response{Error: store.ErrNotFound.Error()}
	case errors.Is(err, store.ErrExpired):
		return Response{Error: store.ErrExpired.Error()}
	case err != nil:
		s.log.Error(err, "get", "key", req.Key)
		return Response{Error: "internal error"}
	}
	return Response{OK: true, Value: entry.Payload, Token: uint64(entry.Token)}
}

func (s *Server) handleStatus() Response {
	st := &Status{Watermarks: make(map[string]uint64), Engine: s.feeder.Stats()}
	for _, ks := range []feed.Keyspace{feed.KeyspaceBlock, feed.KeyspaceState} {
		if n, ok, err := s.reader.Watermark(ks); err == nil && ok {
			st.Watermarks[string(ks)] = n
		}
	}
	return Response{OK: true, Status: st}
}
