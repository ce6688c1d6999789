// Package api serves the HTTP interface for listing, configuring and
// commanding offset light groups.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/group"
	"github.com/dokzlo13/deltalux/internal/groupcfg"
	"github.com/dokzlo13/deltalux/internal/ledger"
)

const maxBodySize = 1 << 20

// Groups is the group management surface the server exposes.
type Groups interface {
	List() []group.Snapshot
	State(idOrName string) (group.Snapshot, error)
	TurnOn(ctx context.Context, idOrName string, cmd group.TurnOnCommand) error
	TurnOff(ctx context.Context, idOrName string, cmd group.TurnOffCommand) error
	Create(ctx context.Context, text string) (groupcfg.Entry, error)
	ExportYAML(idOrName string) (string, error)
	EditYAML(ctx context.Context, idOrName, text string) (groupcfg.Entry, error)
	SetMembers(ctx context.Context, idOrName string, entityIDs []string, added map[string]group.MemberConfig) (groupcfg.Entry, error)
	AdjustOffsets(ctx context.Context, idOrName string, mode group.OffsetMode, configs map[string]group.MemberConfig) (groupcfg.Entry, error)
	Delete(ctx context.Context, idOrName string) error
	History(idOrName string, limit int) ([]*ledger.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	groups     Groups
	ready      atomic.Bool
	httpServer *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, groups Groups) *Server {
	return &Server{
		addr:   addr,
		groups: groups,
	}
}

// SetReady marks the server ready once groups are loaded.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("GET /groups", s.handleList)
	mux.HandleFunc("POST /groups", s.handleCreate)
	mux.HandleFunc("GET /groups/{id}", s.handleGet)
	mux.HandleFunc("DELETE /groups/{id}", s.handleDelete)
	mux.HandleFunc("GET /groups/{id}/yaml", s.handleExport)
	mux.HandleFunc("PUT /groups/{id}/yaml", s.handleEdit)
	mux.HandleFunc("PUT /groups/{id}/lights", s.handleSetMembers)
	mux.HandleFunc("PUT /groups/{id}/offsets", s.handleAdjustOffsets)
	mux.HandleFunc("GET /groups/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /groups/{id}/turn_on", s.handleTurnOn)
	mux.HandleFunc("POST /groups/{id}/turn_off", s.handleTurnOff)

	return mux
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.groups.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.groups.State(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	entry, err := s.groups.Create(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.groups.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	text, err := s.groups.ExportYAML(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	entry, err := s.groups.EditYAML(r.Context(), r.PathValue("id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type setMembersRequest struct {
	EntityIDs []string                      `json:"entity_ids"`
	Added     map[string]group.MemberConfig `json:"added"`
}

func (s *Server) handleSetMembers(w http.ResponseWriter, r *http.Request) {
	var req setMembersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := s.groups.SetMembers(r.Context(), r.PathValue("id"), req.EntityIDs, req.Added)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type adjustOffsetsRequest struct {
	OffsetType group.OffsetMode              `json:"offset_type"`
	Lights     map[string]group.MemberConfig `json:"lights"`
}

func (s *Server) handleAdjustOffsets(w http.ResponseWriter, r *http.Request) {
	var req adjustOffsetsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OffsetType != "" && !req.OffsetType.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("offset_type must be 'absolute' or 'relative'"))
		return
	}
	entry, err := s.groups.AdjustOffsets(r.Context(), r.PathValue("id"), req.OffsetType, req.Lights)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.groups.History(r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type turnOnRequest struct {
	Brightness *int     `json:"brightness"`
	Transition *float64 `json:"transition"` // seconds
	group.Color
}

func (req turnOnRequest) command() (group.TurnOnCommand, error) {
	cmd := group.TurnOnCommand{Brightness: req.Brightness, Color: req.Color}
	if req.Brightness != nil && (*req.Brightness < 0 || *req.Brightness > 255) {
		return cmd, errors.New("brightness must be between 0 and 255")
	}
	if req.Transition != nil {
		if *req.Transition < 0 {
			return cmd, errors.New("transition must not be negative")
		}
		d := time.Duration(*req.Transition * float64(time.Second))
		cmd.Transition = &d
	}
	return cmd, nil
}

type turnOffRequest struct {
	Transition *float64 `json:"transition"`
}

func (s *Server) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	var req turnOnRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	cmd, err := req.command()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	s.command(w, r, func(ctx context.Context, id string) error {
		return s.groups.TurnOn(ctx, id, cmd)
	})
}

func (s *Server) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	var req turnOffRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	var cmd group.TurnOffCommand
	if req.Transition != nil {
		if *req.Transition < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("transition must not be negative"))
			return
		}
		d := time.Duration(*req.Transition * float64(time.Second))
		cmd.Transition = &d
	}
	s.command(w, r, func(ctx context.Context, id string) error {
		return s.groups.TurnOff(ctx, id, cmd)
	})
}

// command runs a group command and replies with the resulting state.
// Failures other than an unknown group are reported as 502.
func (s *Server) command(w http.ResponseWriter, r *http.Request, run func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := run(r.Context(), id); err != nil {
		if errors.Is(err, groupcfg.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
		return
	}

	snap, err := s.groups.State(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
