// Package server exposes the relay and the page store over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/wikisync/pkg/relay"
	"github.com/astromechza/wikisync/pkg/storage"
	"github.com/astromechza/wikisync/pkg/viz"
)

const maxPageBytes = 16 << 20

type Options struct {
	Hub   *relay.Hub
	Pages storage.PageStore
	// Authenticator guards the page endpoints. The relay applies its own to room sockets.
	Authenticator relay.Authenticator
	Logger        *slog.Logger
}

type server struct {
	hub    *relay.Hub
	pages  storage.PageStore
	auth   relay.Authenticator
	logger *slog.Logger
}

// New builds the router with request logging.
func New(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{hub: opts.Hub, pages: opts.Pages, auth: opts.Authenticator, logger: opts.Logger}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(s.syncRoom)
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/rooms/{room}/snapshot").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodGet).Path("/rooms/{room}/history").HandlerFunc(s.getHistory)
	r.Methods(http.MethodGet).Path("/pages/{page}/content").HandlerFunc(s.getPage)
	r.Methods(http.MethodPut, http.MethodPost).Path("/pages/{page}/content").HandlerFunc(s.putPage)
	r.Methods(http.MethodGet).Path("/pages/{page}/revisions").HandlerFunc(s.getRevisions)
	return r
}

func (s *server) health(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{"status": "ok", "rooms": len(s.hub.Rooms())})
}

func (s *server) listRooms(writer http.ResponseWriter, _ *http.Request) {
	rooms := s.hub.Rooms()
	if rooms == nil {
		rooms = []string{}
	}
	writeJSON(writer, http.StatusOK, rooms)
}

func (s *server) syncRoom(writer http.ResponseWriter, request *http.Request) {
	s.hub.ServeRoom(writer, request, mux.Vars(request)["room"])
}

func (s *server) getLatest(writer http.ResponseWriter, request *http.Request) {
	doc, ok, err := s.hub.Document(request.Context(), mux.Vars(request)["room"])
	if err != nil {
		s.logger.Error("failed to load room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	} else if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(doc.Save()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	doc, ok, err := s.hub.Document(request.Context(), mux.Vars(request)["room"])
	if err != nil {
		s.logger.Error("failed to load room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	} else if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "text/html; charset=utf-8")
	if _, err := writer.Write([]byte(doc.Snapshot())); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *server) getHistory(writer http.ResponseWriter, request *http.Request) {
	doc, ok, err := s.hub.Document(request.Context(), mux.Vars(request)["room"])
	if err != nil {
		s.logger.Error("failed to load room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	} else if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "text/vnd.graphviz")
	if err := viz.WriteDOT(doc, writer); err != nil {
		s.logger.Error("failed to write history", "err", err)
	}
}

func (s *server) authorized(writer http.ResponseWriter, request *http.Request) bool {
	if s.auth == nil {
		return true
	}
	if _, err := s.auth.Authenticate(request); err != nil {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (s *server) getPage(writer http.ResponseWriter, request *http.Request) {
	if !s.authorized(writer, request) {
		return
	}
	pageID := mux.Vars(request)["page"]
	content, err := s.pages.PageContent(request.Context(), pageID)
	if err != nil {
		s.pageError(writer, err)
		return
	}
	if content == "" {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(writer, http.StatusOK, storage.PageBody{PageID: pageID, Content: content})
}

func (s *server) putPage(writer http.ResponseWriter, request *http.Request) {
	if !s.authorized(writer, request) {
		return
	}
	var body storage.PageBody
	if err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxPageBytes)).Decode(&body); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if err := s.pages.SavePageContent(request.Context(), mux.Vars(request)["page"], body.Content); err != nil {
		s.pageError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) getRevisions(writer http.ResponseWriter, request *http.Request) {
	if !s.authorized(writer, request) {
		return
	}
	revs, ok := s.pages.(storage.RevisionStore)
	if !ok {
		writer.WriteHeader(http.StatusNotImplemented)
		return
	}
	limit, _ := strconv.Atoi(request.URL.Query().Get("limit"))
	out, err := revs.Revisions(request.Context(), mux.Vars(request)["page"], limit)
	if err != nil {
		s.pageError(writer, err)
		return
	}
	if out == nil {
		out = []storage.Revision{}
	}
	writeJSON(writer, http.StatusOK, out)
}

func (s *server) pageError(writer http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrInvalidPageID) {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Error("page store failed", "err", err)
	writer.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(v)
}
