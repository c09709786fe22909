package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/peripheral"
	"github.com/srg/blesync/internal/tap"
	"github.com/srg/blesync/internal/testutils"
)

type fixedSnapshot peripheral.Snapshot

func (f fixedSnapshot) Snapshot() peripheral.Snapshot { return peripheral.Snapshot(f) }

type fakeRecords struct {
	records []tap.Record
	err     error
}

func (f *fakeRecords) Drain() ([]tap.Record, error) {
	out := f.records
	f.records = nil
	return out, f.err
}

func get(t *testing.T, h http.Handler, path string) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestServer_Health(t *testing.T) {
	snap := fixedSnapshot{Radio: device.StatePoweredOn, Connected: &peripheral.ConnectedPeripheral{ID: "P1"}}
	s := New(snap, nil, nil)

	resp, body := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "powered_on", got["radio_state"])
	assert.Equal(t, true, got["connected"])
}

func TestServer_Peripheral(t *testing.T) {
	snap := fixedSnapshot{
		Radio:        device.StatePoweredOn,
		Phase:        peripheral.PhaseScanning,
		Scanning:     true,
		Discovered:   []device.DiscoveredPeripheral{{ID: "P1", Name: "Tracker", RSSI: -40}},
		BatteryLevel: -1,
	}
	resp, body := get(t, New(snap, nil, nil).Handler(), "/peripheral")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	testutils.NewJSONAsserter(t).Assert(string(body), `{
		"radio_state": "powered_on",
		"phase": "scanning",
		"ready": false,
		"scanning": true,
		"discovered": [{"id": "P1", "name": "Tracker", "rssi": -40}],
		"battery_level": -1
	}`)

	resp, _ = get(t, New(nil, nil, nil).Handler(), "/peripheral")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RecentRecords(t *testing.T) {
	records := &fakeRecords{records: []tap.Record{{At: time.Unix(0, 0).UTC(), Body: `{"hr":72}`}}}
	h := New(nil, records, nil).Handler()

	resp, body := get(t, h, "/records/recent")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"at":"1970-01-01T00:00:00Z","body":"{\"hr\":72}"}]`, string(body))

	_, body = get(t, h, "/records/recent")
	assert.JSONEq(t, `[]`, string(body), "records MUST be handed out once")

	records.err = errors.New("boom")
	resp, _ = get(t, h, "/records/recent")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	resp, body := get(t, New(nil, nil, nil).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_StartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(nil, nil, nil)
	require.NoError(t, s.Start(ctx, "127.0.0.1:0"))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
