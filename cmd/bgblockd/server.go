// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/engine"
	"github.com/SchedMD/slurm-sub061/pkg/cache"
	"github.com/SchedMD/slurm-sub061/pkg/logging"
)

// newRouter builds the daemon's read-only introspection surface: a
// liveness check, the current block registry, and the accumulated
// bridge/allocation/transition counters. None of these handlers mutate
// engine state — the out-of-scope RPC surface (§1) is where a real
// deployment would submit jobs or otherwise drive allocation.
func newRouter(eng *engine.Engine) http.Handler {
	respCache := cache.New(cache.DefaultConfig())

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler(eng)).Methods(http.MethodGet)
	r.HandleFunc("/blocks", blocksHandler(eng, respCache)).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metricsHandler(eng, respCache)).Methods(http.MethodGet)
	r.HandleFunc("/ws", eng.Events.HandleWebSocket).Methods(http.MethodGet)
	return r
}

func healthzHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"layout": eng.Config.LayoutMode,
		})
	}
}

func blocksHandler(eng *engine.Engine, respCache *cache.ReadCache) http.HandlerFunc {
	const op = "GET /blocks"
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		params := map[string]interface{}{"state": state}

		if body, ok := respCache.Get(op, params); ok {
			writeJSONBody(w, http.StatusOK, body)
			return
		}

		blocks := eng.Registry.List(func(b *block.Block) bool {
			return state == "" || string(b.State) == state
		})
		body, err := json.Marshal(blocks)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respCache.Set(op, params, body)
		writeJSONBody(w, http.StatusOK, body)
	}
}

func metricsHandler(eng *engine.Engine, respCache *cache.ReadCache) http.HandlerFunc {
	const op = "GET /metrics"
	return func(w http.ResponseWriter, r *http.Request) {
		if body, ok := respCache.Get(op, nil); ok {
			writeJSONBody(w, http.StatusOK, body)
			return
		}

		body, err := json.Marshal(eng.Metrics.GetStats())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respCache.Set(op, nil, body)
		writeJSONBody(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONBody(w, status, body)
}

func writeJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// loggingJobFailer logs the would-be FailJob call. The real scheduler
// integration (§1's out-of-scope RPC surface) is what actually fails a
// job; without it wired in, the daemon can still run its health pollers
// and surface what they observed.
type loggingJobFailer struct {
	logger logging.Logger
}

func (f loggingJobFailer) FailJob(ctx context.Context, jobID int64, reason string) error {
	f.logger.Warn("job would be failed", "job_id", jobID, "reason", reason)
	return nil
}

// loggingNodeDrainer logs the would-be Drain call, for the same reason.
type loggingNodeDrainer struct {
	logger logging.Logger
}

func (d loggingNodeDrainer) Drain(ctx context.Context, node string, reason string, at time.Time) error {
	d.logger.Warn("node would be drained", "node", node, "reason", reason, "at", at)
	return nil
}
