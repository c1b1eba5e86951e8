// Package admin serves the operator HTTP surface: metrics, the job snapshot
// and manual trigger/rearm.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cleanupd/internal/storage"
	"cleanupd/internal/task/scheduler"
)

const (
	defaultIncidentLimit = 20
	maxIncidentLimit     = 500
)

// Controller is what the endpoints drive.
type Controller interface {
	Snapshot() scheduler.Snapshot
	Trigger(ctx context.Context) (scheduler.Job, error)
	Rearm(ctx context.Context) (scheduler.Job, error)
	Incidents(ctx context.Context, limit int) ([]storage.Incident, error)
}

type errorBody struct {
	Error string              `json:"error"`
	Job   *scheduler.Snapshot `json:"job,omitempty"`
}

type incidentJSON struct {
	At       string `json:"at"`
	JobName  string `json:"job_name"`
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Router builds the chi mux. A nil gatherer leaves /metrics unmounted.
func Router(ctrl Controller, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	r.Get("/incidents", handleIncidents(ctrl))
	r.Route("/job", func(r chi.Router) {
		r.Get("/", handleJob(ctrl))
		r.Post("/trigger", handleAction(ctrl, ctrl.Trigger))
		r.Post("/rearm", handleAction(ctrl, ctrl.Rearm))
	})
	return r
}

func handleJob(ctrl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	}
}

func handleAction(ctrl Controller, act func(context.Context) (scheduler.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := act(r.Context())
		snap := ctrl.Snapshot()
		if err != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Job: &snap})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleIncidents(ctrl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultIncidentLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
				return
			}
			limit = min(n, maxIncidentLimit)
		}
		list, err := ctrl.Incidents(r.Context(), limit)
		if err != nil && !errors.Is(err, storage.ErrDisabled) {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		out := make([]incidentJSON, 0, len(list))
		for _, in := range list {
			out = append(out, incidentJSON{
				At:       in.At.UTC().Format("2006-01-02T15:04:05Z"),
				JobName:  in.JobName,
				JobID:    in.JobID,
				Kind:     in.Kind,
				Attempts: in.Attempts,
				Error:    in.Error,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func statusFor(err error) int {
	var ce *scheduler.ConfigError
	switch {
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrAbandoned),
		errors.Is(err, scheduler.ErrNotTerminal),
		errors.Is(err, scheduler.ErrNotScheduled),
		errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
