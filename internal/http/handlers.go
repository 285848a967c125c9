package http

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"movingmap/internal/tile"
	"movingmap/internal/tilecache"
)

// TileService is the part of the tile cache the handlers drive.
type TileService interface {
	GetTile(key tile.Key) *tile.Tile
	PrefetchTile(key tile.Key)
	Stats() tilecache.Stats
}

type Handlers struct {
	service       TileService
	logger        *zap.Logger
	allowedOrigin string

	placeholderOnce sync.Once
	placeholder     []byte
}

func New(service TileService, allowedOrigin string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		service:       service,
		logger:        logger,
		allowedOrigin: allowedOrigin,
	}
}

// Router mounts every route. metrics is served at /metrics when non-nil.
func (h *Handlers) Router(metrics http.Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/tiles/{provider}/{z:[0-9]+}/{x:-?[0-9]+}/{y:[0-9]+}.png", h.HandleTile).
		Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	origin := h.allowedOrigin
	if origin == "" {
		origin = "*"
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{origin}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodOptions}),
	)

	return h.RequestLoggingMiddleware(cors(r))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		w.Header().Set("X-Request-ID", requestID)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// HandleTile serves /tiles/{provider}/{z}/{x}/{y}.png. Tiles without an
// image yet answer with an uncacheable placeholder; the client asks again
// on its next frame. ?prefetch=1 only warms the disk store.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	provider, err := tile.ParseProvider(vars["provider"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	z, errZ := strconv.Atoi(vars["z"])
	x, errX := strconv.Atoi(vars["x"])
	y, errY := strconv.Atoi(vars["y"])
	if errZ != nil || errX != nil || errY != nil {
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return
	}
	key := tile.Key{Provider: provider, Zoom: z, X: x, Y: y}

	if r.URL.Query().Get("prefetch") == "1" {
		h.service.PrefetchTile(key)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	t := h.service.GetTile(key)
	img := t.Image()

	// State is read after Image, which may have queued a reload.
	w.Header().Set("X-Tile-State", t.State().String())
	w.Header().Set("Content-Type", "image/png")

	var data []byte
	if img == nil {
		if err := t.Err(); err != nil {
			h.logger.Debug("Serving placeholder for failed tile", zap.Stringer("key", t.Key()), zap.Error(err))
		}
		data = h.placeholderPNG()
		w.Header().Set("Cache-Control", "no-store")
	} else {
		data, err = encodePNG(img)
		if err != nil {
			h.logger.Error("Failed to encode tile", zap.Stringer("key", t.Key()), zap.Error(err))
			http.Error(w, "Failed to encode tile", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.service.Stats())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// placeholderPNG is a neutral #ddd tile drawn where imagery is missing.
func (h *Handlers) placeholderPNG() []byte {
	h.placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 256, 256))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}), image.Point{}, draw.Src)
		data, err := encodePNG(img)
		if err != nil {
			h.logger.Error("Failed to encode placeholder", zap.Error(err))
			return
		}
		h.placeholder = data
	})
	return h.placeholder
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
