// Package mockservice is an in-process stand-in for the image generation
// service. It serves the same REST endpoints and notification websocket, keeps
// the model load and generation progress in memory, and renders a small
// placeholder PNG instead of running a model.
package mockservice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"zstudio/pkg/types"
)

// DefaultModelID is reported by GET /settings.
const DefaultModelID = "Tongyi-MAI/Z-Image-Turbo"

// Messages pushed while loading. The ready text matches the client's default
// ready patterns.
const (
	MsgLoading = "Loading Model..."
	MsgLoaded  = "Model Loaded"
)

const maxBodyBytes = 1 << 20

// Options configures a Service. Zero values select defaults.
type Options struct {
	// LoadDelay is how long a model load takes before readiness is announced.
	LoadDelay time.Duration
	// StepDelay is spent per inference step during /generate.
	StepDelay time.Duration
	// FailLoad, when set, is announced as an error instead of readiness.
	FailLoad string
	// FailGenerate, when set, makes /generate answer 500 with this detail.
	FailGenerate string
	ModelID      string
	Logger       zerolog.Logger
	// Registry receives the HTTP collectors; nil uses a private registry.
	Registry *prometheus.Registry
}

// Service is the fake backend.
type Service struct {
	log zerolog.Logger
	hub *hub
	reg *prometheus.Registry
	met *httpMetrics

	mu         sync.Mutex
	opts       Options
	loaded     bool
	loading    chan struct{} // non-nil while a load runs; closed when it ends
	loadErr    string
	cacheDir   *string
	cpuOffload bool
	status     types.StatusResponse

	loadCalls     atomic.Int32
	generateCalls atomic.Int32
	closeOnce     sync.Once
}

// New starts the service's websocket hub. Call Close to release it.
func New(opts Options) *Service {
	if opts.ModelID == "" {
		opts.ModelID = DefaultModelID
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Service{
		log:    opts.Logger,
		hub:    newHub(opts.Logger),
		reg:    reg,
		opts:   opts,
		status: types.StatusResponse{Message: "Idle"},
	}
	s.met = newHTTPMetrics(reg)
	go s.hub.run()
	return s
}

// Handler returns the HTTP surface.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.met.middleware)
	r.Use(s.requestLogger)

	r.Post("/generate", s.handleGenerate)
	r.Post("/load-model", s.handleLoadModel)
	r.Get("/settings", s.handleGetSettings)
	r.Post("/settings/model-path", s.handleSetModelPath)
	r.Get("/status", s.handleStatus)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
	})
	r.Get("/ws", s.hub.serveWS)
	r.Get("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}).ServeHTTP)
	return r
}

// Close disconnects every websocket client with a close frame.
func (s *Service) Close() {
	s.closeOnce.Do(s.hub.stop)
}

// Notify pushes a notification frame to every connected client.
func (s *Service) Notify(notificationType, message string) {
	s.met.frames.WithLabelValues(notificationType).Inc()
	s.hub.publish(types.NotificationFrame{
		Type:             types.FrameTypeNotification,
		NotificationType: notificationType,
		Message:          message,
	})
}

// DropClients closes every websocket connection without a close frame.
func (s *Service) DropClients() { s.hub.dropAll() }

// Clients returns the number of connected websocket clients.
func (s *Service) Clients() int { return int(s.hub.clients.Load()) }

// LoadCalls returns how many times POST /load-model was called.
func (s *Service) LoadCalls() int { return int(s.loadCalls.Load()) }

// GenerateCalls returns how many times POST /generate was called.
func (s *Service) GenerateCalls() int { return int(s.generateCalls.Load()) }

// Loaded reports whether the fake model is loaded.
func (s *Service) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// SetFailLoad changes the load failure message; "" restores success.
func (s *Service) SetFailLoad(msg string) {
	s.mu.Lock()
	s.opts.FailLoad = msg
	s.mu.Unlock()
}

// SetFailGenerate changes the generation failure detail; "" restores success.
func (s *Service) SetFailGenerate(detail string) {
	s.mu.Lock()
	s.opts.FailGenerate = detail
	s.mu.Unlock()
}

func (s *Service) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	s.loadCalls.Add(1)
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		// Repeat the ready signal so a client that missed it can settle.
		s.Notify("success", MsgLoaded)
		writeJSON(w, http.StatusOK, types.AckResponse{Status: "loaded", Message: MsgLoaded})
		return
	}
	if s.loading == nil {
		done := s.beginLoadLocked()
		go s.finishLoad(done)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, types.AckResponse{Status: "loading", Message: MsgLoading})
}

func (s *Service) beginLoadLocked() chan struct{} {
	done := make(chan struct{})
	s.loading = done
	s.loadErr = ""
	s.status.Message = MsgLoading
	return done
}

// finishLoad runs one load to completion and announces the outcome.
func (s *Service) finishLoad(done chan struct{}) {
	s.Notify("info", MsgLoading)
	s.mu.Lock()
	delay := s.opts.LoadDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	fail := s.opts.FailLoad
	if fail != "" {
		s.loadErr = fail
		s.status.Message = "Error: " + fail
	} else {
		s.loaded = true
		s.status.Message = MsgLoaded
	}
	s.loading = nil
	close(done)
	s.mu.Unlock()

	if fail != "" {
		s.log.Warn().Str("reason", fail).Msg("model load failed")
		s.Notify("error", fail)
		return
	}
	s.log.Info().Str("model", s.opts.ModelID).Msg("model loaded")
	s.Notify("success", MsgLoaded)
}

// ensureLoaded loads the model inline, as the real service does on the first
// generation after a restart or reconfiguration.
func (s *Service) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	done := s.loading
	if done == nil {
		done = s.beginLoadLocked()
		go s.finishLoad(done)
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return loadError(s.loadErr)
	}
	return nil
}

type loadError string

func (e loadError) Error() string { return string(e) }

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.generateCalls.Add(1)
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req := types.GenerateRequest{Width: 1024, Height: 1024, Steps: 8, Seed: -1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "prompt is required")
		return
	}
	if req.Width%16 != 0 || req.Height%16 != 0 || req.Width <= 0 || req.Height <= 0 {
		writeJSONError(w, http.StatusBadRequest, "Height and Width must be divisible by 16.")
		return
	}
	if req.Steps <= 0 {
		req.Steps = 1
	}

	s.setStatus(0, "Starting Generation...", true)
	if err := s.ensureLoaded(r.Context()); err != nil {
		s.setStatus(0, "Error: "+err.Error(), false)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	fail, step := s.opts.FailGenerate, s.opts.StepDelay
	s.mu.Unlock()

	s.setStatus(0, "Generating...", true)
	for i := 0; i < req.Steps; i++ {
		if step > 0 {
			select {
			case <-time.After(step):
			case <-r.Context().Done():
				s.setStatus(0, "Idle", false)
				return
			}
		}
		s.setStatus((i+1)*100/req.Steps, "Generating...", true)
	}
	if fail != "" {
		s.setStatus(0, "Error: "+fail, false)
		writeJSONError(w, http.StatusInternalServerError, fail)
		return
	}

	s.setStatus(100, "Processing Image...", true)
	img, err := placeholderPNG(req)
	if err != nil {
		s.setStatus(0, "Error: "+err.Error(), false)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.setStatus(100, "Idle", false)
	writeJSON(w, http.StatusOK, types.GenerateResponse{Image: img})
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := types.SettingsResponse{CacheDir: s.cacheDir, ModelID: s.opts.ModelID, CPUOffload: s.cpuOffload}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleSetModelPath(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.ModelPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	s.mu.Lock()
	dir := req.CacheDir
	s.cacheDir = &dir
	s.cpuOffload = req.CPUOffload
	// The next generation reloads the model.
	s.loaded = false
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, types.AckResponse{
		Status:  "success",
		Message: "Settings saved. Model will reload on next generation.",
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := s.status
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) setStatus(progress int, msg string, generating bool) {
	s.mu.Lock()
	s.status = types.StatusResponse{Progress: progress, Message: msg, IsGenerating: generating}
	s.mu.Unlock()
}

func (s *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		z := s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("request")
	})
}

// placeholderPNG renders a tiny image whose aspect ratio follows the request,
// tinted by the seed, as a data URL.
func placeholderPNG(req types.GenerateRequest) (string, error) {
	w, h := req.Width/16, req.Height/16
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint64(req.Seed)
	c := color.RGBA{R: byte(seed), G: byte(seed >> 8), B: byte(len(req.Prompt) * 7), A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes the service's {"detail": ...} error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Detail: msg})
}
