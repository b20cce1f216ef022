package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/quirks/orvibo"
	"zigbee-quirks/internal/store"
	"zigbee-quirks/internal/zcl"
	"zigbee-quirks/internal/zcl/clusters"
)

const hallIEEE = "00124B001F2E3D4C"

const (
	joinHall     = `{"ieee": "00:12:4b:00:1f:2e:3d:4c", "manufacturer": "ORVIBO", "model": "SN10ZW", "friendly_name": "Hall"}`
	reportMotion = `{"ieee": "00124B001F2E3D4C", "cluster": "0x0406", "attribute": 0, "type": "bitmap8", "value": "01"}`
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testServer struct {
	srv   *Server
	coord *coordinator.Coordinator
	clock *clock.Fake
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	logger := newTestLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := zcl.NewRegistry(logger)
	clusters.RegisterStandard(registry)
	quirkReg := quirks.NewRegistry()
	require.NoError(t, orvibo.Register(quirkReg))

	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(db, quirkReg, registry, nil, events, fake, coordinator.Config{}, logger)

	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)
	return &testServer{srv: srv, coord: coord, clock: fake}
}

func (ts *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "body: %s", w.Body.String())
	return v
}

func TestAPIJoinReportAndExpire(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do("POST", "/api/devices", joinHall)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	joined := decode[store.Device](t, w)
	require.Equal(t, hallIEEE, joined.IEEEAddress)
	require.Equal(t, orvibo.QuirkMotion, joined.Quirk)

	w = ts.do("POST", "/api/reports", reportMotion)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = ts.do("GET", "/api/devices/"+hallIEEE, "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[struct {
		store.Device
		Clusters []coordinator.ClusterState `json:"clusters"`
	}](t, w)
	require.Equal(t, "Hall", detail.FriendlyName)
	require.Equal(t, true, detail.Properties["occupancy"])
	require.Equal(t, true, detail.Properties["motion"])
	require.Len(t, detail.Clusters, 3)

	ts.clock.Advance(15 * time.Second)

	w = ts.do("GET", "/api/devices/"+hallIEEE, "")
	require.Equal(t, http.StatusOK, w.Code)
	dev := decode[store.Device](t, w)
	require.Equal(t, false, dev.Properties["occupancy"])
	require.Equal(t, false, dev.Properties["motion"])
}

func TestAPIListDevices(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do("GET", "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())

	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/devices", joinHall).Code)

	w = ts.do("GET", "/api/devices", "")
	devices := decode[[]store.Device](t, w)
	require.Len(t, devices, 1)
	require.Equal(t, "Hall", devices[0].FriendlyName)
}

func TestAPIDeleteDevice(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/devices", joinHall).Code)
	require.NoError(t, ts.coord.HandleAttributeReport(context.Background(), coordinator.AttributeReport{
		IEEE: hallIEEE, Endpoint: 1, Cluster: zcl.ClusterOccupancySensing, Value: true,
	}))
	require.Equal(t, 2, ts.clock.Pending())

	w := ts.do("DELETE", "/api/devices/"+hallIEEE, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, ts.clock.Pending())

	require.Equal(t, http.StatusNotFound, ts.do("GET", "/api/devices/"+hallIEEE, "").Code)
}

func TestAPIErrors(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/devices", joinHall).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed ieee", "GET", "/api/devices/kitchen", "", http.StatusBadRequest},
		{"unknown device", "GET", "/api/devices/0000000000000001", "", http.StatusNotFound},
		{"delete unknown", "DELETE", "/api/devices/0000000000000001", "", http.StatusNotFound},
		{"join bad json", "POST", "/api/devices", `{`, http.StatusBadRequest},
		{"join unknown quirk", "POST", "/api/devices", `{"ieee": "0000000000000001", "quirk": "nope"}`, http.StatusBadRequest},
		{"report bad json", "POST", "/api/reports", `{`, http.StatusBadRequest},
		{"report leave op", "POST", "/api/reports", `{"op": "leave", "ieee": "00124B001F2E3D4C"}`, http.StatusBadRequest},
		{"report unknown device", "POST", "/api/reports", `{"ieee": "0000000000000001", "cluster": 1030, "attribute": 0, "value": true}`, http.StatusNotFound},
		{"report short payload", "POST", "/api/reports", `{"ieee": "00124B001F2E3D4C", "cluster": 1, "attribute": 32, "type": "uint16", "value": "01"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			body := decode[map[string]string](t, w)
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	ts := setupTestServer(t, WithAPIKey("secret"))

	require.Equal(t, http.StatusUnauthorized, ts.do("GET", "/api/devices", "").Code)
	require.Equal(t, http.StatusUnauthorized, ts.do("GET", "/api/devices", "", "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, ts.do("GET", "/api/devices", "", "X-API-Key", "secret").Code)
}

func TestAPICORS(t *testing.T) {
	ts := setupTestServer(t, WithAllowedOrigins([]string{"http://dash.local"}))

	w := ts.do("OPTIONS", "/api/devices", "", "Origin", "http://dash.local")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://dash.local", w.Header().Get("Access-Control-Allow-Origin"))

	require.Equal(t, http.StatusForbidden, ts.do("OPTIONS", "/api/devices", "", "Origin", "http://evil.local").Code)
	require.Equal(t, http.StatusForbidden, ts.do("POST", "/api/devices", joinHall, "Origin", "http://evil.local").Code)

	w = ts.do("POST", "/api/devices", joinHall, "Origin", "http://dash.local")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "http://dash.local", w.Header().Get("Access-Control-Allow-Origin"))

	// Reads are not origin checked.
	require.Equal(t, http.StatusOK, ts.do("GET", "/api/devices", "", "Origin", "http://evil.local").Code)
}

func TestAPIVersionAndClusters(t *testing.T) {
	ts := setupTestServer(t, WithVersion("1.2.3"))

	w := ts.do("GET", "/api/version", "")
	require.JSONEq(t, `{"version": "1.2.3"}`, w.Body.String())

	w = ts.do("GET", "/api/clusters", "")
	require.Equal(t, http.StatusOK, w.Code)
	defs := decode[[]zcl.ClusterDef](t, w)
	ids := make(map[uint16]bool)
	for _, d := range defs {
		ids[d.ID] = true
	}
	require.True(t, ids[zcl.ClusterOccupancySensing])
	require.True(t, ids[zcl.ClusterIASZone])
}

func TestAPIAutomationsDisabled(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do("GET", "/api/automations", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())

	require.Equal(t, http.StatusNotFound, ts.do("POST", "/api/automations/hall/reload", "").Code)
}

func TestAPIDeviceActivity(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/devices", joinHall).Code)
	require.Equal(t, http.StatusAccepted, ts.do("POST", "/api/reports", reportMotion).Code)
	ts.clock.Advance(15 * time.Second)

	w := ts.do("GET", "/api/devices/"+hallIEEE+"/activity?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[[]store.Activity](t, w)
	require.Len(t, list, 2)
	require.Equal(t, "occupancy", list[0].Property)
	require.Equal(t, false, list[0].Value)
	require.Equal(t, "motion", list[1].Property)
	require.True(t, list[0].At.Equal(time.Date(2024, 1, 1, 0, 0, 15, 0, time.UTC)))

	w = ts.do("GET", "/api/devices/"+hallIEEE+"/activity", "")
	require.Len(t, decode[[]store.Activity](t, w), 4)

	require.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/devices/"+hallIEEE+"/activity?limit=zero", "").Code)
	require.Equal(t, http.StatusNotFound, ts.do("GET", "/api/devices/0000000000000001/activity", "").Code)
}
