package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vesta/internal/engine"
	"vesta/internal/store"
)

// Server exposes the runner's state and control surface over HTTP. All
// reads go through the runner's snapshot accessors, so handlers never
// touch the decision loop directly.
type Server struct {
	runner *engine.Runner
	trades store.TradeStore
	orders store.OrderStore
	hub    *Hub
	symbol string
	log    *slog.Logger
}

// NewServer creates the HTTP API server. trades and orders may be nil;
// their endpoints then return an empty list and 404 respectively.
func NewServer(runner *engine.Runner, trades store.TradeStore, orders store.OrderStore, hub *Hub, symbol string, log *slog.Logger) *Server {
	return &Server{
		runner: runner,
		trades: trades,
		orders: orders,
		hub:    hub,
		symbol: symbol,
		log:    log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/position", s.handlePosition)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/orders/{cid}", s.handleOrder)
	mux.HandleFunc("POST /api/control", s.handleControl)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		Symbol:   s.symbol,
		State:    s.runner.Meta(),
		Account:  accountView(s.runner.Account()),
		Position: positionView(s.runner.Position()),
		Now:      time.Now().UTC(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, positionView(s.runner.Position()))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	out := []TradeView{}
	if s.trades != nil {
		trades, err := s.trades.ListTrades(r.Context(), s.symbol, limit)
		if err != nil {
			s.log.Error("listing trades", "error", err)
			writeError(w, http.StatusInternalServerError, "listing trades failed")
			return
		}
		for _, t := range trades {
			out = append(out, tradeView(t))
		}
	}
	writeJSON(w, out)
}

// handleOrder serves one audit-trail order record by client order ID.
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	if s.orders == nil {
		writeError(w, http.StatusNotFound, "order journal not configured")
		return
	}
	order, err := s.orders.GetOrderByClientID(r.Context(), cid)
	if err != nil {
		s.log.Error("reading order record", "cid", cid, "error", err)
		writeError(w, http.StatusInternalServerError, "reading order record failed")
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no order %q", cid))
		return
	}
	writeJSON(w, orderView(*order))
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cmd, ok := engine.ParseCommand(req.Command)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
		return
	}

	state, err := s.runner.Command(r.Context(), cmd)
	if err != nil {
		s.log.Error("command failed", "command", cmd, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info("command applied", "command", cmd, "state", state)
	writeJSON(w, ControlResponse{Command: string(cmd), State: state})
}

// handleEvents streams runner events over SSE until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	sub := s.hub.subscribe()
	defer s.hub.cancel(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("encoding event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
