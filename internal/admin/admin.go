package admin

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"drcv/internal/config"
	"drcv/internal/model"
	"drcv/internal/store"
	"drcv/internal/tunnel"
)

// Server is the operator-facing read surface. It binds to loopback only;
// the tunnel never routes here.
type Server struct {
	db  *sql.DB
	cfg config.Config
	tun *tunnel.Info
	log zerolog.Logger
}

func New(db *sql.DB, cfg config.Config, tun *tunnel.Info, log zerolog.Logger) *Server {
	return &Server{db: db, cfg: cfg, tun: tun, log: log}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", serveDashboard)
	r.Get("/data", s.handleData)
	r.Get("/clients", s.handleClients)
	r.Get("/tunnel", s.handleTunnel)
	r.Get("/events", s.handleEvents)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	q := r.URL.Query().Get("q")

	rows, err := store.FetchUploadPage(s.db, q, page, s.cfg.PageSize)
	if err != nil {
		s.log.Error().Err(err).Msg("list uploads failed")
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.UploadRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := store.FetchClients(s.db)
	if err != nil {
		s.log.Error().Err(err).Msg("list clients failed")
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}
	if clients == nil {
		clients = []model.ClientRow{}
	}
	writeJSON(w, clients)
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Hostname *string `json:"hostname"`
	}
	if h := s.tun.Hostname(); h != "" {
		resp.Hostname = &h
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
