// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mgmtapi exposes the management HTTP API of the daemon: status,
// origin validation queries, derived prefix lists, diagnostics and
// Prometheus metrics.
package mgmtapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/originproto/rov/pkg/vrp"
	"github.com/originproto/rov/rovd/control"
)

// Server implements the management API. All fields must be set.
type Server struct {
	Engine    *control.Engine
	Store     *control.SnapshotStore
	Validator *control.Validator
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.status)
	r.Get("/validate", s.validate)
	r.Get("/prefix-lists/{afi}/covered", s.covered)
	r.Get("/prefix-lists/{afi}/origins", s.origins)
	r.Get("/prefix-lists/{afi}/origin/{asn}", s.byOrigin)
	r.Get("/diagnostics", s.diagnostics)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

type validateResponse struct {
	Prefix netip.Prefix `json:"prefix"`
	ASN    uint32       `json:"asn"`
	control.Result
	Covering []string `json:"covering,omitempty"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	prefix, err := netip.ParsePrefix(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prefix parameter")
		return
	}
	asn, err := strconv.ParseUint(r.URL.Query().Get("asn"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asn parameter")
		return
	}
	res, err := s.Validator.Validate(prefix.Masked(), uint32(asn))
	if err != nil {
		if errors.Is(err, control.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := validateResponse{
		Prefix: prefix.Masked(),
		ASN:    uint32(asn),
		Result: res,
	}
	for _, c := range res.Covering {
		resp.Covering = append(resp.Covering, c.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) covered(w http.ResponseWriter, r *http.Request) {
	snapshot, afi, ok := s.snapshotAFI(w, r)
	if !ok {
		return
	}
	covered := snapshot.Covered(afi)
	lines := make([]string, 0, len(covered))
	for i, p := range covered {
		lines = append(lines, fmt.Sprintf("seq %d permit %s le %d",
			(i+1)*10, p, p.Addr().BitLen()))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serial":      snapshot.Serial(),
		"prefixes":    covered,
		"prefix_list": lines,
	})
}

func (s *Server) origins(w http.ResponseWriter, r *http.Request) {
	snapshot, afi, ok := s.snapshotAFI(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serial":  snapshot.Serial(),
		"origins": snapshot.Origins(afi),
	})
}

func (s *Server) byOrigin(w http.ResponseWriter, r *http.Request) {
	snapshot, afi, ok := s.snapshotAFI(w, r)
	if !ok {
		return
	}
	asn, err := strconv.ParseUint(chi.URLParam(r, "asn"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asn parameter")
		return
	}
	vrps := snapshot.ByOrigin(uint32(asn), afi)
	out := make([]string, 0, len(vrps))
	lines := make([]string, 0, len(vrps))
	for i, v := range vrps {
		out = append(out, v.String())
		line := fmt.Sprintf("seq %d permit %s", (i+1)*10, v.Prefix)
		if int(v.MaxLength) > v.Prefix.Bits() {
			line = fmt.Sprintf("%s le %d", line, v.MaxLength)
		}
		lines = append(lines, line)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serial":      snapshot.Serial(),
		"asn":         asn,
		"vrps":        out,
		"prefix_list": lines,
	})
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.Engine.DiagnosticsWrite(w)
}

func (s *Server) snapshotAFI(w http.ResponseWriter, r *http.Request) (*vrp.Snapshot, vrp.AFI, bool) {
	afi, err := vrp.ParseAFI(chi.URLParam(r, "afi"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid afi, want ipv4 or ipv6")
		return nil, afi, false
	}
	snapshot := s.Store.Current()
	if snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, control.ErrUnavailable.Error())
		return nil, afi, false
	}
	return snapshot, afi, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
