// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the read-only catalog endpoints: object metadata and
// light curves by name, field search and cone search. Every request carries a
// token in its JSON body; the store connection runs under the read-only role.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/store"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tarxiv_api_requests_total",
	Help: "API requests by query type and status code.",
}, []string{"query_type", "code"})

// RegisterMetrics registers the API collectors.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(requestsTotal)
}

// Server answers catalog read queries.
type Server struct {
	store  store.Store
	tokens map[string]bool
	logger log.Logger
}

// NewServer builds the read API against a store. Tokens are the accepted
// bearer values; an empty list rejects every request.
func NewServer(st store.Store, tokens []string, logger log.Logger) *Server {
	accepted := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		accepted[t] = true
	}
	return &Server{store: st, tokens: accepted, logger: logger}
}

// Register installs the endpoints on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /get_object_meta/{name}", s.getObjectMeta)
	mux.HandleFunc("POST /get_object_lc/{name}", s.getObjectLC)
	mux.HandleFunc("POST /search_objects", s.searchObjects)
	mux.HandleFunc("POST /cone_search", s.coneSearch)
}

// errorBody mirrors the error payload shape clients already parse.
type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// finish logs the request outcome and counts it.
func (s *Server) finish(r *http.Request, queryType string, code int, fields ...any) {
	requestsTotal.WithLabelValues(queryType, strconv.Itoa(code)).Inc()
	kv := append([]any{
		"status", "request_served",
		"query_type", queryType,
		"query_ip", r.RemoteAddr,
		"code", code,
	}, fields...)
	_ = level.Info(s.logger).Log(kv...)
}

// decodeBody reads the request body into req, which must carry the token.
func decodeBody(r *http.Request, req any) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *Server) authorized(token string) bool {
	return s.tokens[token]
}

type tokenRequest struct {
	Token string `json:"token"`
}

// getDocument implements the shared get-by-name flow for both document
// endpoints.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request, queryType, collection string, out any) {
	name := r.PathValue("name")
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Type: "server"})
		s.finish(r, queryType, http.StatusInternalServerError, "obj_name", name)
		return
	}
	if !s.authorized(req.Token) {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "bad token", Type: "token"})
		s.finish(r, queryType, http.StatusUnauthorized, "obj_name", name)
		return
	}
	err := s.store.Get(r.Context(), store.ScopeTNS, collection, name, out)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "no such object", Type: "lookup"})
		s.finish(r, queryType, http.StatusNotFound, "obj_name", name)
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Type: "server"})
		s.finish(r, queryType, http.StatusInternalServerError, "obj_name", name)
	default:
		s.writeJSON(w, http.StatusOK, out)
		s.finish(r, queryType, http.StatusOK, "obj_name", name)
	}
}

func (s *Server) getObjectMeta(w http.ResponseWriter, r *http.Request) {
	var meta schema.ObjectMeta
	s.getDocument(w, r, "meta", store.CollObjects, &meta)
}

func (s *Server) getObjectLC(w http.ResponseWriter, r *http.Request) {
	var lc schema.LightCurve
	s.getDocument(w, r, "lightcurve", store.CollLightcurves, &lc)
}

func (s *Server) searchObjects(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string                 `json:"token"`
		Search store.SearchConditions `json:"search"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Type: "server"})
		s.finish(r, "search", http.StatusInternalServerError)
		return
	}
	if !s.authorized(req.Token) {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "bad token", Type: "token"})
		s.finish(r, "search", http.StatusUnauthorized)
		return
	}
	ids, err := s.store.SearchObjects(r.Context(), store.ScopeTNS, req.Search)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Type: "server"})
		s.finish(r, "search", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, ids)
	s.finish(r, "search", http.StatusOK, "matches", len(ids))
}

func (s *Server) coneSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string  `json:"token"`
		RA     float64 `json:"ra"`
		Dec    float64 `json:"dec"`
		Radius float64 `json:"radius"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Type: "server"})
		s.finish(r, "cone", http.StatusInternalServerError)
		return
	}
	if !s.authorized(req.Token) {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "bad token", Type: "token"})
		s.finish(r, "cone", http.StatusUnauthorized)
		return
	}
	matches, err := s.store.ConeSearch(r.Context(), store.ScopeTNS, req.RA, req.Dec, req.Radius)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Type: "server"})
		s.finish(r, "cone", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []store.ConeMatch{}
	}
	s.writeJSON(w, http.StatusOK, matches)
	s.finish(r, "cone", http.StatusOK, "matches", len(matches))
}
