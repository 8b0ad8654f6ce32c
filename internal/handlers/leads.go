// Package handlers exposes the lead-search REST surface consumed by the
// frontend: preview, submit, status polling, results, export and cancel.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/ledger"
	"github.com/leadscope/backend/internal/middleware"
	"github.com/leadscope/backend/internal/tasks"
	"github.com/leadscope/backend/internal/websocket"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound), errors.Is(err, ledger.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tasks.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, tasks.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandlePreview estimates the credit cost of a search without running it.
func HandlePreview(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params tasks.SubmitParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
			return
		}
		params.UserID = middleware.UserID(r)

		preview, err := svc.Preview(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

// HandleSubmit creates a search task and returns its public token.
func HandleSubmit(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params tasks.SubmitParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
			return
		}
		params.UserID = middleware.UserID(r)

		token, err := svc.Submit(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_token": token})
	}
}

// HandleStatus returns the polling view of one task.
func HandleStatus(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		view, err := svc.Status(r.Context(), token, middleware.UserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HandleResults returns one page of a task's persisted results.
func HandleResults(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

		results, err := svc.Results(r.Context(), token, middleware.UserID(r), page, pageSize)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// HandleExport streams a finished task's results as CSV.
func HandleExport(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		data, filename, err := svc.ExportCSV(r.Context(), token, middleware.UserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

// HandleCancel requests a task stop; the pipeline observes it at the next
// cohort boundary.
func HandleCancel(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		if err := svc.Cancel(r.Context(), token, middleware.UserID(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleListTasks returns the caller's tasks, newest first.
func HandleListTasks(svc *tasks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

		rows, total, err := svc.List(r.Context(), middleware.UserID(r), page, pageSize)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tasks": rows,
			"total": total,
		})
	}
}

// HandleProgressWS upgrades to a WebSocket pushing live progress snapshots
// for one task the caller owns.
func HandleProgressWS(svc *tasks.Service, streamer *websocket.ProgressStreamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		if _, err := svc.Status(r.Context(), token, middleware.UserID(r)); err != nil {
			writeError(w, err)
			return
		}
		streamer.Subscribe(w, r, token)
	}
}
