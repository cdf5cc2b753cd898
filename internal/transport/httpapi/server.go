// Package httpapi is the inbound side of the chat gateway: it accepts
// events and operator commands as JSON and serves read-only views.
//
// Staff events and views must carry the staff chat id (in the event body,
// or the X-Chat-ID header for views). That is the only authentication.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roach88/ticketrelay/internal/engine"
	"github.com/roach88/ticketrelay/internal/operator"
	"github.com/roach88/ticketrelay/internal/snapshot"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// ChatHeader carries the calling chat on view requests.
const ChatHeader = "X-Chat-ID"

// maxBody caps request bodies.
const maxBody = 1 << 20

// Engine is the part of *engine.Engine the API serves.
type Engine interface {
	Handle(ctx context.Context, ev engine.Event) (engine.Result, error)
	Status(ctx context.Context, id ticket.ID) (engine.TicketSummary, error)
	Which(ctx context.Context, id ticket.ID) (ticket.User, error)
	Profile(ctx context.Context, user ticket.UserID) (engine.Profile, error)
	OpenTickets(ctx context.Context) ([]engine.TicketSummary, error)
	History(ctx context.Context, user ticket.UserID) ([]engine.TicketSummary, error)
	Users(ctx context.Context) ([]ticket.User, error)
	Transcript(ctx context.Context, id ticket.ID) (string, error)
}

// Console runs operator commands.
type Console interface {
	Handle(ctx context.Context, cmd operator.Command) error
}

// Server holds the handlers.
type Server struct {
	engine    Engine
	console   Console
	staffChat int64
}

// New creates a Server. staffChat is the only chat allowed to send staff
// events and read views.
func New(e Engine, c Console, staffChat int64) *Server {
	return &Server{engine: e, console: c, staffChat: staffChat}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", ChatHeader},
	}))

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Post("/operator/commands", s.handleCommand)

		r.Group(func(r chi.Router) {
			r.Use(s.staffOnly)
			r.Get("/tickets", s.openTickets)
			r.Get("/tickets/{id}", s.ticketStatus)
			r.Get("/tickets/{id}/owner", s.ticketOwner)
			r.Get("/tickets/{id}/transcript", s.transcript)
			r.Get("/users", s.users)
			r.Get("/users/{id}", s.profile)
			r.Get("/users/{id}/tickets", s.history)
		})
	})
	return r
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.Event
	if !decode(w, r, &ev) {
		return
	}
	if ev.Type.IsStaff() && ev.ChatID != s.staffChat {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "staff events must come from the staff chat")
		return
	}

	res, err := s.engine.Handle(r.Context(), ev)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd operator.Command
	if !decode(w, r, &cmd) {
		return
	}
	if err := s.console.Handle(r.Context(), cmd); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) staffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chat, err := strconv.ParseInt(r.Header.Get(ChatHeader), 10, 64)
		if err != nil || chat != s.staffChat {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "views are restricted to the staff chat")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) openTickets(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.OpenTickets(r.Context())
	respond(w, out, err)
}

func (s *Server) ticketStatus(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Status(r.Context(), ticket.ID(chi.URLParam(r, "id")))
	respond(w, out, err)
}

func (s *Server) ticketOwner(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Which(r.Context(), ticket.ID(chi.URLParam(r, "id")))
	respond(w, out, err)
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Transcript(r.Context(), ticket.ID(chi.URLParam(r, "id")))
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

func (s *Server) users(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Users(r.Context())
	respond(w, out, err)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	out, err := s.engine.Profile(r.Context(), user)
	respond(w, out, err)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	out, err := s.engine.History(r.Context(), user)
	respond(w, out, err)
}

func userParam(w http.ResponseWriter, r *http.Request) (ticket.UserID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "user id must be an integer")
		return 0, false
	}
	return ticket.UserID(id), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// respondErr maps domain errors to statuses.
func respondErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	var de *engine.DeliveryError
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest, "INVALID_EVENT"
	case errors.Is(err, operator.ErrForeignChat):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.As(err, &de):
		return http.StatusBadGateway, "DELIVERY_FAILED"
	case ticket.IsNotFound(err), ticket.IsUnresolvedRoute(err):
		return http.StatusNotFound, string(ticket.CodeOf(err))
	case ticket.IsConflict(err), ticket.IsClosed(err):
		return http.StatusConflict, string(ticket.CodeOf(err))
	case snapshot.IsAuth(err):
		return http.StatusUnauthorized, string(snapshot.CodeOf(err))
	case snapshot.IsSerialization(err):
		return http.StatusUnprocessableEntity, string(snapshot.CodeOf(err))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
