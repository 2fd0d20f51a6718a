package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/superpowers/superpowers-core-sub000/pkg/project"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
)

type server struct {
	hub *project.Hub
	// ctx ends every websocket connection on shutdown.
	ctx context.Context
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{protocol.CBORSubprotocol},
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/projects/{project}/entries").HandlerFunc(s.getEntries)
	r.Methods(http.MethodGet).Path("/projects/{project}/ws").HandlerFunc(s.connect)
	return r
}

func (s *server) project(writer http.ResponseWriter, request *http.Request) (*project.Project, bool) {
	p, err := s.hub.Project(mux.Vars(request)["project"])
	if errors.Is(err, project.ErrInvalidProjectName) {
		http.Error(writer, err.Error(), http.StatusNotFound)
		return nil, false
	} else if err != nil {
		slog.Error("failed to open project", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return p, true
}

func (s *server) getEntries(writer http.ResponseWriter, request *http.Request) {
	p, ok := s.project(writer, request)
	if !ok {
		return
	}
	data, err := p.Entries()
	if err != nil {
		slog.Error("failed to read entries", "project", p.Name(), "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	if _, err := writer.Write(data); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) connect(writer http.ResponseWriter, request *http.Request) {
	p, ok := s.project(writer, request)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer ws.Close()

	conn := protocol.NewConn(ws, slog.Default().With("project", p.Name()))
	if err := p.Serve(s.ctx, conn); err != nil {
		slog.Warn("connection ended", "project", p.Name(), "client", conn.ID(), "err", err)
	}
}
