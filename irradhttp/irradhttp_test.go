package irradhttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goji "goji.io"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/calib"
	"github.com/silab-bonn/irradgo/daq"
	"github.com/silab-bonn/irradgo/irradhttp"
	"github.com/silab-bonn/irradgo/scan"
	"github.com/silab-bonn/irradgo/server"
	"github.com/silab-bonn/irradgo/server/middleware/locker"
	"github.com/silab-bonn/irradgo/stage"
	"github.com/silab-bonn/irradgo/util"
)

const calibYAML = `
lambda:
  default: v2
  all:
    v2:
      nominal: 0.906
      sigma: 0.015
    v3:
      nominal: 2.02
      sigma: 0.06
`

var testScales = []float64{1, 3.3, 10, 33, 100, 330, 1000}

type stillSampler struct{}

func (stillSampler) ReadChannels() (map[beam.Channel]float64, error) {
	return map[beam.Channel]float64{beam.SemSum: 2.0}, nil
}

type harness struct {
	srv  *httptest.Server
	ctl  *scan.Controller
	loop *daq.Loop
	mock *stage.Mock
}

func newHarness(t *testing.T, startLoop bool) *harness {
	t.Helper()
	reg, err := calib.Load(strings.NewReader(calibYAML))
	require.NoError(t, err)
	rec, err := reg.Select("lambda", "")
	require.NoError(t, err)
	conv, err := beam.NewConverter(rec, 330, 1e-3, testScales)
	require.NoError(t, err)

	loop := daq.New(stillSampler{}, conv, daq.Config{Period: 2 * time.Millisecond, TimeoutLimit: 5})
	mock := stage.NewMock(map[string]util.Limiter{"x": {Min: 0, Max: 300}, "y": {Min: 0, Max: 300}})
	ctl := scan.NewController(mock, nil, scan.Config{ChargeToFluence: 1e18})

	cp := irradhttp.New(ctl, loop, mock, reg)
	mux := goji.NewMux()
	cp.RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	if startLoop {
		loop.Start()
		t.Cleanup(loop.Stop)
	}
	return &harness{srv: srv, ctl: ctl, loop: loop, mock: mock}
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) configureAndStart(t *testing.T) {
	t.Helper()
	resp := h.post(t, "/scan/configure", `{"width":2,"height":1,"step":1,"target_fluence":1e14}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.post(t, "/scan/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, false)
	h.configureAndStart(t)

	resp := h.get(t, "/scan/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p scan.Progress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, "scanning", p.State)
	assert.Equal(t, 2, p.CellsTotal)

	resp = h.post(t, "/scan/abort", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigureRejectsBadGeometry(t *testing.T) {
	h := newHarness(t, false)
	resp := h.post(t, "/scan/configure", `{"width":0,"height":1,"step":1,"target_fluence":1e14}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post(t, "/scan/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCalibrationSwitch(t *testing.T) {
	h := newHarness(t, false)

	resp := h.get(t, "/calibration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cr irradhttp.CalibrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cr))
	assert.Equal(t, "v2", cr.Record.ID)
	assert.Equal(t, 330.0, cr.FullScale)

	resp = h.post(t, "/calibration/switch", `{"set":"lambda","id":"v3","full_scale":100}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec, fs := h.loop.Converter().Active()
	assert.Equal(t, "v3", rec.ID)
	assert.Equal(t, 100.0, fs)

	resp = h.post(t, "/calibration/switch", `{"set":"lambda","id":"nope","full_scale":100}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.post(t, "/calibration/switch", `{"set":"lambda","id":"v2","full_scale":77}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManualMotion(t *testing.T) {
	h := newHarness(t, false)

	resp := h.post(t, "/axis/x/pos", `{"f64": 25}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.get(t, "/axis/x/pos")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var f server.FloatT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	assert.Equal(t, 25.0, f.F64)

	// out of the soft limits
	resp = h.post(t, "/axis/x/pos", `{"f64": 400}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStageRefusedDuringScan(t *testing.T) {
	h := newHarness(t, false)
	h.configureAndStart(t)

	resp := h.post(t, "/axis/x/pos", `{"f64": 25}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = h.post(t, "/home", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLatestReading(t *testing.T) {
	h := newHarness(t, true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := h.get(t, "/reading/latest")
		if resp.StatusCode == http.StatusOK {
			var r beam.Reading
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
			assert.InDelta(t, 0.906*330*2.0, r.Current.Nominal, 1e-9)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no reading ever surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoReadingYetIs404(t *testing.T) {
	h := newHarness(t, false)
	resp := h.get(t, "/reading/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLockerProtectsControlRoutes(t *testing.T) {
	reg, err := calib.Load(strings.NewReader(calibYAML))
	require.NoError(t, err)
	rec, err := reg.Select("lambda", "")
	require.NoError(t, err)
	conv, err := beam.NewConverter(rec, 330, 1e-3, testScales)
	require.NoError(t, err)
	loop := daq.New(stillSampler{}, conv, daq.DefaultConfig())
	mock := stage.NewMock(nil)
	cp := irradhttp.New(scan.NewController(mock, nil, scan.DefaultConfig()), loop, mock, reg)

	lock := locker.New()
	locker.Inject(cp, lock)
	mux := goji.NewMux()
	mux.Use(lock.Check)
	cp.RT().Bind(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/lock", "application/json", bytes.NewBufferString(`{"bool": true}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/scan/configure", "application/json",
		bytes.NewBufferString(`{"width":1,"height":1,"step":1,"target_fluence":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	// status stays reachable while locked
	resp, err = http.Get(srv.URL + "/scan/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
