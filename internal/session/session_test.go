package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zstudio/internal/config"
	"zstudio/internal/coordinator"
	"zstudio/internal/lifecycle"
	"zstudio/internal/mockservice"
	"zstudio/internal/notify"
	"zstudio/internal/settings"
	"zstudio/internal/ui"
)

type harness struct {
	svc  *mockservice.Service
	srv  *httptest.Server
	s    *Session
	rec  *ui.Recorder
	pub  *lifecycle.MemoryPublisher
	reg  *prometheus.Registry
	kv   settings.MapKV
	opts Options
}

func newHarness(t *testing.T, mopts mockservice.Options, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{rec: &ui.Recorder{}, pub: lifecycle.NewMemoryPublisher(), reg: prometheus.NewRegistry(), kv: settings.MapKV{}}
	h.svc = mockservice.New(mopts)
	h.srv = httptest.NewServer(h.svc.Handler())
	t.Cleanup(func() {
		h.svc.Close()
		h.srv.Close()
	})

	cfg, err := config.Config{
		BaseURL:     h.srv.URL,
		LoadTimeout: config.Duration(3 * time.Second),
	}.Resolve()
	require.NoError(t, err)
	h.opts = Options{Config: cfg, Sink: h.rec, KV: h.kv, Registerer: h.reg, Publisher: h.pub}
	if mutate != nil {
		mutate(&h.opts)
	}
	h.s, err = New(h.opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Start(context.Background()))
	require.Eventually(t, func() bool { return h.svc.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestGenerateLoadsThenGenerates(t *testing.T) {
	h := newHarness(t, mockservice.Options{LoadDelay: 20 * time.Millisecond}, nil)
	h.start(t)

	res, err := h.s.Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Image, "data:image/png;base64,"))
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, lifecycle.Ready, h.s.State().Phase)
	assert.Equal(t, 1, h.svc.LoadCalls())
	assert.Equal(t, 1, h.svc.GenerateCalls())
	assert.Equal(t, 1, h.pub.Count(lifecycle.EventReady))

	msgs := h.rec.Messages()
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, ui.Message{Severity: ui.SeverityInfo, Text: mockservice.MsgLoading}, msgs[0])
	assert.Equal(t, ui.Message{Severity: ui.SeveritySuccess, Text: mockservice.MsgLoaded}, msgs[1])

	_, err = h.s.Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.LoadCalls())
	assert.Equal(t, 2, h.svc.GenerateCalls())
}

func TestConcurrentGenerateSingleLoad(t *testing.T) {
	h := newHarness(t, mockservice.Options{LoadDelay: 50 * time.Millisecond}, nil)
	h.start(t)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.s.Generate(context.Background(), "a red fox")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.svc.LoadCalls())
	assert.Equal(t, 4, h.svc.GenerateCalls())
	assert.Equal(t, 1, h.pub.Count(lifecycle.EventLoadRequested))
}

func TestLoadFailureThenRecovery(t *testing.T) {
	h := newHarness(t, mockservice.Options{FailLoad: "OOM"}, nil)
	h.start(t)

	_, err := h.s.Generate(context.Background(), "a red fox")
	var lf *coordinator.ModelLoadFailedError
	require.ErrorAs(t, err, &lf)
	assert.Equal(t, "OOM", lf.Reason)
	assert.Equal(t, lifecycle.Failed, h.s.State().Phase)
	assert.Zero(t, h.svc.GenerateCalls())
	assert.Contains(t, h.rec.Messages(), ui.Message{Severity: ui.SeverityError, Text: "OOM"})

	h.svc.SetFailLoad("")
	_, err = h.s.Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, 2, h.svc.LoadCalls())
}

func TestGenerationFailureKeepsReady(t *testing.T) {
	var mu sync.Mutex
	var loading []bool
	h := newHarness(t, mockservice.Options{FailGenerate: "CUDA out of memory"}, func(o *Options) {
		o.Hooks.OnLoading = func(_ string, on bool) {
			mu.Lock()
			loading = append(loading, on)
			mu.Unlock()
		}
	})
	h.start(t)

	_, err := h.s.Generate(context.Background(), "a red fox")
	var gf *coordinator.GenerationFailedError
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, 500, gf.StatusCode)
	assert.Equal(t, "CUDA out of memory", gf.Reason)
	assert.Equal(t, lifecycle.Ready, h.s.State().Phase)
	mu.Lock()
	assert.Equal(t, []bool{true, false}, loading)
	mu.Unlock()
}

func TestChannelLostWhileLoading(t *testing.T) {
	h := newHarness(t, mockservice.Options{LoadDelay: 2 * time.Second}, nil)
	h.start(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.s.Generate(context.Background(), "a red fox")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.svc.LoadCalls() == 1 }, time.Second, 5*time.Millisecond)
	h.svc.DropClients()

	select {
	case err := <-errc:
		assert.True(t, coordinator.IsChannelLost(err), "err=%v", err)
		assert.True(t, coordinator.IsModelLoadFailed(err))
	case <-time.After(3 * time.Second):
		t.Fatal("generate did not return after channel loss")
	}
	assert.Equal(t, lifecycle.Failed, h.s.State().Phase)
	assert.Equal(t, notify.Closed, h.s.ConnState())
	assert.Contains(t, h.rec.Messages(), ui.Message{Severity: ui.SeverityError, Text: ui.English(ui.KeyChannelLost)})
}

func TestGenerateAfterChannelDropFailsFast(t *testing.T) {
	h := newHarness(t, mockservice.Options{}, nil)
	h.start(t)
	h.svc.DropClients()
	require.Eventually(t, func() bool { return h.s.ConnState() == notify.Closed }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := h.s.Generate(context.Background(), "a red fox")
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, coordinator.IsChannelLost(err), "err=%v", err)
	assert.True(t, coordinator.IsModelLoadFailed(err))
	assert.False(t, coordinator.IsTimedOut(err))
	assert.Zero(t, h.svc.LoadCalls())
	assert.Zero(t, h.svc.GenerateCalls())
	assert.Equal(t, lifecycle.NotLoaded, h.s.State().Phase)
}

func TestApplyModelPathResetsLifecycle(t *testing.T) {
	h := newHarness(t, mockservice.Options{}, nil)
	h.start(t)
	require.NoError(t, h.s.LoadModel(context.Background()))
	assert.Equal(t, lifecycle.Ready, h.s.State().Phase)

	ack, err := h.s.ApplyModelPath(context.Background(), "/models", true)
	require.NoError(t, err)
	assert.Equal(t, "success", ack.Status)
	assert.Equal(t, lifecycle.NotLoaded, h.s.State().Phase)

	rs, err := h.s.RemoteSettings(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rs.CacheDir)
	assert.Equal(t, "/models", *rs.CacheDir)

	_, err = h.s.Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, 2, h.svc.LoadCalls())
}

func TestSettingsPersistAndStatus(t *testing.T) {
	h := newHarness(t, mockservice.Options{}, nil)
	h.start(t)
	_, err := h.s.Settings().ApplyPreset("wide")
	require.NoError(t, err)
	assert.Equal(t, "1536", h.kv["width"])
	assert.Equal(t, "640", h.kv["height"])

	_, err = h.s.Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	st, err := h.s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)
	assert.False(t, st.IsGenerating)
	require.NoError(t, h.s.Health(context.Background()))

	n, err := testutil.GatherAndCount(h.reg, "zstudio_model_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmptyPrompt(t *testing.T) {
	h := newHarness(t, mockservice.Options{}, nil)
	h.start(t)
	_, err := h.s.Generate(context.Background(), "   ")
	require.ErrorIs(t, err, coordinator.ErrEmptyPrompt)
	assert.Zero(t, h.svc.LoadCalls())
	assert.Equal(t, lifecycle.NotLoaded, h.s.State().Phase)
	assert.Empty(t, h.rec.Messages())
}

func TestStartCloseLifecycle(t *testing.T) {
	h := newHarness(t, mockservice.Options{}, nil)
	h.start(t)
	require.NoError(t, h.s.Start(context.Background()))
	assert.Equal(t, notify.Open, h.s.ConnState())

	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())
	assert.Equal(t, notify.Closed, h.s.ConnState())
	assert.ErrorIs(t, h.s.Start(context.Background()), ErrClosed)
	// Closing is not a channel loss.
	assert.NotContains(t, h.rec.Messages(), ui.Message{Severity: ui.SeverityError, Text: ui.English(ui.KeyChannelLost)})
}

func TestStartFailsWithoutService(t *testing.T) {
	cfg, err := config.Config{BaseURL: "http://127.0.0.1:1"}.Resolve()
	require.NoError(t, err)
	s, err := New(Options{Config: cfg})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, s.Start(ctx))
	assert.Equal(t, notify.Closed, s.ConnState())
}

func TestNewRejectsBadPatterns(t *testing.T) {
	cfg, err := config.Config{ReadyPatterns: []string{"("}}.Resolve()
	require.NoError(t, err)
	_, err = New(Options{Config: cfg})
	assert.Error(t, err)
}
