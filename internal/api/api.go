// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/ledger"
	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/cobaltcore-dev/reservoir/internal/plugins/hosts"
	"github.com/sapcc/go-bits/httpext"
)

type API interface {
	// Init the API mux and bind the handlers.
	Init(context.Context)
}

// The manager surface the API binds to.
type LeaseManager interface {
	CreateLease(ctx context.Context, request manager.CreateLeaseRequest) (*manager.Lease, error)
	GetLease(id string) (*manager.Lease, error)
	ListLeases(projectID string) ([]*manager.Lease, error)
	UpdateLease(ctx context.Context, id string, request manager.UpdateLeaseRequest) (*manager.Lease, error)
	DeleteLease(ctx context.Context, id string) error
	Call(ctx context.Context, name string, payload json.RawMessage) (any, error)
	PluginTypes() []string
}

type api struct {
	manager LeaseManager
	config  conf.APIConfig
	monitor Monitor
}

func NewAPI(config conf.APIConfig, leaseManager LeaseManager, m Monitor) API {
	return &api{
		manager: leaseManager,
		config:  config,
		monitor: m,
	}
}

// Init the API mux and bind the handlers.
func (api *api) Init(ctx context.Context) {
	mux := http.NewServeMux()
	api.Bind(mux)
	slog.Info("api listening on", "port", api.config.Port)
	addr := fmt.Sprintf(":%d", api.config.Port)
	if err := httpext.ListenAndServeContext(ctx, addr, mux); err != nil {
		panic(err)
	}
}

// Bind the handlers on the given mux. Method and path matching is left
// to the mux patterns, unmatched methods get a 405 from the mux itself.
func (api *api) Bind(mux *http.ServeMux) {
	mux.HandleFunc("GET /up", api.Up)
	mux.HandleFunc("GET /{$}", api.Versions)
	mux.HandleFunc("GET /versions", api.Versions)
	mux.HandleFunc("GET /v1/leases", api.ListLeases)
	mux.HandleFunc("POST /v1/leases", api.CreateLease)
	mux.HandleFunc("GET /v1/leases/{id}", api.GetLease)
	mux.HandleFunc("PUT /v1/leases/{id}", api.UpdateLease)
	mux.HandleFunc("DELETE /v1/leases/{id}", api.DeleteLease)
	mux.HandleFunc("GET /v1/plugins", api.ListPlugins)
	mux.HandleFunc("GET /v1/os-hosts", api.ListHosts)
	mux.HandleFunc("POST /v1/os-hosts", api.CreateHost)
	mux.HandleFunc("GET /v1/os-hosts/{id}", api.GetHost)
	mux.HandleFunc("PUT /v1/os-hosts/{id}", api.UpdateHost)
	mux.HandleFunc("DELETE /v1/os-hosts/{id}", api.DeleteHost)
}

// Helper to respond to the request with the given code and error.
// Also adds monitoring for the time it took to handle the request.
type apihelper struct {
	api     *api
	w       http.ResponseWriter
	r       *http.Request
	pattern string
	t       time.Time
}

func (api *api) newHelper(w http.ResponseWriter, r *http.Request, pattern string) apihelper {
	return apihelper{api: api, w: w, r: r, pattern: pattern, t: time.Now()}
}

// Respond to the request with the given code and error.
// Also log the time it took to handle the request. Errors are rendered
// as {"error": code, "error_message": message} json bodies.
func (h apihelper) respond(code int, err error, text string) {
	if h.api.monitor.apiRequestsTimer != nil {
		observer := h.api.monitor.apiRequestsTimer.WithLabelValues(
			h.r.Method,
			h.pattern,
			strconv.Itoa(code),
			text, // Internal error messages should not face the monitor.
		)
		observer.Observe(time.Since(h.t).Seconds())
	}
	if err != nil {
		slog.Error("api: failed to handle request",
			"method", h.r.Method, "path", h.pattern, "error", err)
		h.w.Header().Set("Content-Type", "application/json")
		h.w.WriteHeader(code)
		body := map[string]any{"error": code, "error_message": err.Error()}
		if encodeErr := json.NewEncoder(h.w).Encode(body); encodeErr != nil {
			slog.Error("api: failed to encode error response", "error", encodeErr)
		}
		return
	}
	// If there was no error, nothing else to do.
}

// Respond with the status code matching the error.
func (h apihelper) fail(err error) {
	code, text := statusOf(err)
	h.respond(code, err, text)
}

// Respond with the payload encoded as json.
func (h apihelper) reply(code int, payload any) {
	h.w.Header().Set("Content-Type", "application/json")
	h.w.WriteHeader(code)
	if err := json.NewEncoder(h.w).Encode(payload); err != nil {
		// The status line is already out, only log.
		slog.Error("api: failed to encode response body", "error", err)
	}
	h.respond(code, nil, "Success")
}

// Map an error to its http status code and the low-cardinality label
// text recorded by the monitor.
func statusOf(err error) (int, string) {
	var serviceErr *manager.Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code, serviceErr.Kind
	}
	if errors.Is(err, ledger.ErrUnavailable) {
		return http.StatusServiceUnavailable, "ledger unavailable"
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "not found"
	}
	return http.StatusInternalServerError, "internal error"
}

// Handle the GET request to check if the API is up.
func (api *api) Up(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/up")
	h.respond(http.StatusOK, nil, "Success")
}

// Handle the GET request for the api version discovery document.
func (api *api) Versions(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/versions")
	h.reply(http.StatusMultipleChoices, map[string]any{
		"versions": []map[string]any{{
			"id":     "v1.0",
			"status": "CURRENT",
			"links":  []map[string]string{{"href": "/v1", "rel": "self"}},
		}},
	})
}

// Handle the GET request listing all leases, optionally restricted to
// the project_id query parameter.
func (api *api) ListLeases(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/leases")
	leases, err := api.manager.ListLeases(r.URL.Query().Get("project_id"))
	if err != nil {
		h.fail(err)
		return
	}
	if leases == nil {
		leases = []*manager.Lease{}
	}
	h.reply(http.StatusOK, map[string]any{"leases": leases})
}

// Handle the POST request creating a lease with its reservations.
func (api *api) CreateLease(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/leases")
	defer r.Body.Close()
	var request manager.CreateLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.respond(http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	lease, err := api.manager.CreateLease(r.Context(), request)
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"lease": lease})
}

// Handle the GET request for a single lease.
func (api *api) GetLease(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/leases/{id}")
	lease, err := api.manager.GetLease(r.PathValue("id"))
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"lease": lease})
}

// The lease fields a PUT request may carry.
var updatableLeaseFields = map[string]bool{
	"name":                    true,
	"start_date":              true,
	"end_date":                true,
	"before_end_notification": true,
}

// Handle the PUT request updating a lease. Only the name, the dates and
// the before-end notification date may change.
func (api *api) UpdateLease(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/leases/{id}")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respond(http.StatusInternalServerError, err, "failed to read request body")
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		h.respond(http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	for field := range fields {
		if !updatableLeaseFields[field] {
			rejected := manager.ErrMalformedParameter.Msgf(
				"Only name changing and dates changing may be proceeded.")
			h.respond(http.StatusBadRequest, rejected, "unexpected lease field")
			return
		}
	}
	var request manager.UpdateLeaseRequest
	if err := json.Unmarshal(body, &request); err != nil {
		h.respond(http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	lease, err := api.manager.UpdateLease(r.Context(), r.PathValue("id"), request)
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"lease": lease})
}

// Handle the DELETE request removing a lease and its reservations.
func (api *api) DeleteLease(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/leases/{id}")
	if err := api.manager.DeleteLease(r.Context(), r.PathValue("id")); err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{})
}

// Handle the GET request listing the resource types with a plugin.
func (api *api) ListPlugins(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/plugins")
	h.reply(http.StatusOK, map[string]any{"plugins": api.manager.PluginTypes()})
}

// Name of a host plugin method, dispatched through the manager.
func hostMethod(method string) string {
	return hosts.ResourceType + ":" + method
}

// Handle the GET request listing the enrolled compute hosts.
func (api *api) ListHosts(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/os-hosts")
	result, err := api.manager.Call(r.Context(), hostMethod("get_computehosts"), nil)
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"hosts": result})
}

// Handle the POST request enrolling a compute host. The body carries the
// host values, including the host reference and the trust id.
func (api *api) CreateHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/os-hosts")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respond(http.StatusInternalServerError, err, "failed to read request body")
		return
	}
	result, err := api.manager.Call(r.Context(), hostMethod("create_computehost"), body)
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"host": result})
}

// Handle the GET request for a single compute host.
func (api *api) GetHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/os-hosts/{id}")
	payload, err := json.Marshal(map[string]string{"computehost_id": r.PathValue("id")})
	if err != nil {
		h.respond(http.StatusInternalServerError, err, "failed to encode method payload")
		return
	}
	result, err := api.manager.Call(r.Context(), hostMethod("get_computehost"), payload)
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"host": result})
}

// Handle the PUT request updating the extra capabilities of a host.
func (api *api) UpdateHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/os-hosts/{id}")
	defer r.Body.Close()
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		h.respond(http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	payload, err := json.Marshal(map[string]any{
		"computehost_id": r.PathValue("id"),
		"values":         values,
	})
	if err != nil {
		h.respond(http.StatusInternalServerError, err, "failed to encode method payload")
		return
	}
	result, err := api.manager.Call(r.Context(), hostMethod("update_computehost"), payload)
	if err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{"host": result})
}

// Handle the DELETE request removing a compute host from the freepool.
func (api *api) DeleteHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r, "/v1/os-hosts/{id}")
	payload, err := json.Marshal(map[string]string{"computehost_id": r.PathValue("id")})
	if err != nil {
		h.respond(http.StatusInternalServerError, err, "failed to encode method payload")
		return
	}
	if _, err := api.manager.Call(r.Context(), hostMethod("delete_computehost"), payload); err != nil {
		h.fail(err)
		return
	}
	h.reply(http.StatusOK, map[string]any{})
}
