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

package mgmtapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originproto/rov/pkg/vrp"
	"github.com/originproto/rov/rovd/control"
	"github.com/originproto/rov/rovd/mgmtapi"
)

func testServer(t *testing.T, snapshot *vrp.Snapshot) *httptest.Server {
	store := control.NewSnapshotStore()
	if snapshot != nil {
		store.Publish(snapshot)
	}
	server := &mgmtapi.Server{
		Engine:    &control.Engine{Store: store},
		Store:     store,
		Validator: control.NewValidator(store),
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, status int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func testSnapshot() *vrp.Snapshot {
	return vrp.NewSnapshot(42, 7, []vrp.VRP{
		{
			Prefix:    netip.MustParsePrefix("10.0.0.0/8"),
			MaxLength: 24,
			ASN:       65001,
		},
		{
			Prefix:    netip.MustParsePrefix("10.128.0.0/9"),
			MaxLength: 9,
			ASN:       65002,
		},
	})
}

func TestValidateEndpoint(t *testing.T) {
	ts := testServer(t, testSnapshot())

	testCases := map[string]struct {
		query   string
		status  int
		verdict string
	}{
		"valid": {
			query:   "prefix=10.1.0.0/16&asn=65001",
			status:  http.StatusOK,
			verdict: "valid",
		},
		"invalid": {
			query:   "prefix=10.1.0.0/16&asn=65099",
			status:  http.StatusOK,
			verdict: "invalid",
		},
		"not found": {
			query:   "prefix=192.0.2.0/24&asn=65001",
			status:  http.StatusOK,
			verdict: "not_found",
		},
		"bad prefix": {
			query:  "prefix=banana&asn=65001",
			status: http.StatusBadRequest,
		},
		"bad asn": {
			query:  "prefix=10.0.0.0/8&asn=banana",
			status: http.StatusBadRequest,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			body := getJSON(t, ts.URL+"/validate?"+tc.query, tc.status)
			if tc.verdict != "" {
				assert.Equal(t, tc.verdict, body["verdict"])
				assert.EqualValues(t, 42, body["serial"])
			}
		})
	}
}

func TestValidateUnavailable(t *testing.T) {
	ts := testServer(t, nil)
	getJSON(t, ts.URL+"/validate?prefix=10.0.0.0/8&asn=65001",
		http.StatusServiceUnavailable)
}

func TestPrefixLists(t *testing.T) {
	ts := testServer(t, testSnapshot())

	body := getJSON(t, ts.URL+"/prefix-lists/ipv4/covered", http.StatusOK)
	assert.Equal(t, []any{"10.0.0.0/8"}, body["prefixes"])
	assert.Equal(t, []any{"seq 10 permit 10.0.0.0/8 le 32"}, body["prefix_list"])

	body = getJSON(t, ts.URL+"/prefix-lists/ipv4/origins", http.StatusOK)
	assert.Equal(t, []any{float64(65001), float64(65002)}, body["origins"])

	body = getJSON(t, ts.URL+"/prefix-lists/ipv4/origin/65002", http.StatusOK)
	assert.Equal(t, []any{"10.128.0.0/9-9 AS65002"}, body["vrps"])
	assert.Equal(t, []any{"seq 10 permit 10.128.0.0/9"}, body["prefix_list"])

	body = getJSON(t, ts.URL+"/prefix-lists/ipv4/origin/65001", http.StatusOK)
	assert.Equal(t, []any{"seq 10 permit 10.0.0.0/8 le 24"}, body["prefix_list"])

	body = getJSON(t, ts.URL+"/prefix-lists/ipv6/covered", http.StatusOK)
	assert.Empty(t, body["prefixes"])

	getJSON(t, ts.URL+"/prefix-lists/ipv9/covered", http.StatusBadRequest)
}

func TestStatusAndMetrics(t *testing.T) {
	ts := testServer(t, testSnapshot())

	body := getJSON(t, ts.URL+"/status", http.StatusOK)
	snapshot, ok := body["snapshot"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, snapshot["serial"])
	assert.EqualValues(t, 2, snapshot["count"])

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
