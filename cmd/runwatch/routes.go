package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/archive"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/reconciler"
)

// defaultArchiveLimit is how many archived runs are returned when the
// caller omits ?limit=.
const defaultArchiveLimit = 20

type deps struct {
	rec   *reconciler.Reconciler
	store *archive.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/state", d.handleState)
	mux.HandleFunc("GET /api/state/stream", d.handleStateStream)
	mux.HandleFunc("POST /api/select/{id}", d.handleSelect)
	mux.HandleFunc("POST /api/pause", d.handlePause)
	mux.HandleFunc("POST /api/roster/refresh", d.handleRefresh)
	registerArchiveRoutes(mux, d.store)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.rec.Snapshot())
}

func (d deps) handleStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch, cancel := d.rec.Subscribe()
	defer cancel()
	slog.Info("state/stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("state/stream client disconnected", "remote", r.RemoteAddr)
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("state encode failed", "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (d deps) handleSelect(w http.ResponseWriter, r *http.Request) {
	err := d.rec.Select(r.PathValue("id"))
	switch {
	case errors.Is(err, reconciler.ErrUnknownRun):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, reconciler.ErrDisposed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, d.rec.Snapshot())
	}
}

func (d deps) handlePause(w http.ResponseWriter, r *http.Request) {
	d.rec.Pause()
	writeJSON(w, http.StatusOK, d.rec.Snapshot())
}

func (d deps) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := d.rec.RefreshRoster(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, d.rec.Snapshot())
}

func registerArchiveRoutes(mux *http.ServeMux, store *archive.Store) {
	mux.HandleFunc("GET /api/archive/runs", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "archive disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultArchiveLimit)
		offset := queryInt(r, "offset", 0)
		records, total, err := store.ListRuns(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": records, "total": total})
	})

	mux.HandleFunc("GET /api/archive/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "archive disabled", http.StatusNotFound)
			return
		}
		rec, history, err := store.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": rec, "history": history})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
