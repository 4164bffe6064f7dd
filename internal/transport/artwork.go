package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

// ArtworkStore looks artwork up by ref
type ArtworkStore interface {
	Lookup(ref string) (domain.Artwork, bool)
}

// StateSource exposes the broadcast state for the compatibility and health endpoints
type StateSource interface {
	Latest() (domain.Message, bool)
	ClientCount() int
}

// ArtworkHandler serves artwork bytes by ref, the current cover and a health probe
type ArtworkHandler struct {
	logger *zap.Logger
	store  ArtworkStore
	state  StateSource
	mux    *http.ServeMux
}

// NewArtworkHandler creates the artwork endpoint
func NewArtworkHandler(logger *zap.Logger, store ArtworkStore, state StateSource) *ArtworkHandler {
	h := &ArtworkHandler{
		logger: logger,
		store:  store,
		state:  state,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /artwork/{ref}", h.serveArtwork)
	h.mux.HandleFunc("GET /cover.jpg", h.serveCover)
	h.mux.HandleFunc("GET /healthz", h.serveHealth)
	return h
}

func (h *ArtworkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Overlays run as browser sources from file:// or another port
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "If-None-Match")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *ArtworkHandler) serveArtwork(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	art, ok := h.store.Lookup(ref)
	if !ok {
		http.NotFound(w, r)
		return
	}

	// Refs are content hashes: the bytes behind one never change
	etag := `"` + art.Ref + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.write(w, r, art)
}

func (h *ArtworkHandler) serveCover(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.state.Latest()
	if !ok || msg.Type == domain.MessageEmpty {
		http.NotFound(w, r)
		return
	}
	art, ok := h.store.Lookup(msg.Ref())
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("ETag", `"`+art.Ref+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	h.write(w, r, art)
}

func (h *ArtworkHandler) write(w http.ResponseWriter, r *http.Request, art domain.Artwork) {
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(art.Data); err != nil {
		h.logger.Debug("Artwork write failed", zap.String("ref", art.Ref), zap.Error(err))
	}
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Clients int    `json:"clients"`
	State   string `json:"state"`
}

func (h *ArtworkHandler) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:      true,
		Clients: h.state.ClientCount(),
		State:   string(domain.MessageEmpty),
	}
	if msg, ok := h.state.Latest(); ok && msg.Type != domain.MessageEmpty {
		resp.State = string(domain.MessageUpdate)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}
