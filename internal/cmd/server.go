package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/claims"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
)

func setupServer(services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	services.State.RegisterRoutes(mux)
	services.WS.RegisterRoutes(mux)
	registerCallerRoutes(mux, services)
	setupHealthCheck(mux)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", services.config.Server.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

// registerCallerRoutes exposes the caller's control surface: call a number,
// reset the game, decide a contended claim group.
func registerCallerRoutes(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("/api/caller/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/caller/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		sessionID, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}

		rt, err := services.StartSession(r.Context(), sessionID)
		if err != nil {
			log.Error().Err(err).Msg("session start failed")
			http.Error(w, "failed to start session", http.StatusInternalServerError)
			return
		}

		switch parts[1] {
		case "call":
			var req struct {
				Number int `json:"number"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			if err := rt.Calls.CallNumber(r.Context(), req.Number); err != nil {
				log.Error().Err(err).Int("number", req.Number).Msg("call failed")
				http.Error(w, "call failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{"called": rt.Calls.CalledNumbers()})

		case "reset":
			if err := rt.Calls.ResetGame(r.Context()); err != nil {
				log.Error().Err(err).Msg("reset failed")
				http.Error(w, "reset failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case "resolve":
			var req struct {
				Pattern    models.PatternID        `json:"pattern"`
				Generation int                     `json:"generation"`
				Allocation models.AllocationPolicy `json:"allocation"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			res, err := rt.Resolver.ResolveClaims(r.Context(), req.Pattern, req.Generation, req.Allocation)
			if err == claims.ErrNoPendingDecision {
				http.Error(w, "no pending decision", http.StatusConflict)
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("resolve failed")
				http.Error(w, "resolve failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, res)

		case "decisions":
			writeJSON(w, rt.Resolver.PendingDecisions())

		case "status":
			var req struct {
				Status models.SessionStatus `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			if err := services.SetSessionStatus(r.Context(), sessionID, req.Status); err != nil {
				log.Error().Err(err).Str("status", string(req.Status)).Msg("status change failed")
				http.Error(w, "status change failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.NotFound(w, r)
		}
	})
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}
