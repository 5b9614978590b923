package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"docsign.org/internal/auth"
	"docsign.org/internal/obs"
	"docsign.org/internal/signing"
	"docsign.org/internal/stream"
)

const serviceName = "docsign-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the HTTP layer to the domain services.
type Options struct {
	Version      string
	Ready        readinessChecker
	Engine       *signing.Engine
	Auth         *auth.Service
	Stream       *stream.Stream
	CORSOrigins  []string
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
}

// API — HTTP слой.
type API struct {
	readiness  readinessChecker
	version    string
	engine     *signing.Engine
	auth       *auth.Service
	stream     *stream.Stream
	origins    []string
	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

func New(opts Options) *API {
	a := &API{
		readiness:  opts.Ready,
		version:    opts.Version,
		engine:     opts.Engine,
		auth:       opts.Auth,
		stream:     opts.Stream,
		origins:    opts.CORSOrigins,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
		maxBody:    opts.MaxBodyBytes,
	}
	if a.readiness == nil {
		a.readiness = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 5
	}
	if a.maxBody <= 0 {
		a.maxBody = 32 << 20
	}
	return a
}

// Handler builds the router wrapped in metrics instrumentation.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.origins))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler())

	limited := func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) }

	r.Group(func(r chi.Router) {
		r.Use(limited)
		r.Post("/v1/auth/register", a.handleRegister)
		r.Post("/v1/auth/login", a.handleLogin)
		r.Get("/v1/sign/{token}", a.handleViewSigning)
		r.Post("/v1/sign/{token}/submit", a.handleSubmitSigning)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireUser)
		r.Route("/v1/documents", func(r chi.Router) {
			r.Get("/", a.handleListDocuments)
			r.Post("/", a.handleCreateDocument)
			r.Post("/render", a.handleRenderPDF)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetDocument)
				r.Put("/", a.handleUpdateDocument)
				r.Delete("/", a.handleDeleteDocument)
				r.Post("/send-for-signature", a.handleSendForSignature)
				r.Get("/requests", a.handleDocumentRequests)
				r.Get("/pdf", a.handleSignedPDF)
			})
		})
		r.Post("/v1/templates/{id}/send", a.handleSendTemplate)
		r.Post("/v1/uploads", a.handleUpload)
		r.Get("/v1/events", a.Stream)
	})

	// оборачиваем весь роутер метриками
	return obs.Instrument(r)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeDomainError maps engine sentinels onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, signing.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, signing.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, signing.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired signing link")
	case errors.Is(err, signing.ErrInvalidTransition), errors.Is(err, signing.ErrNotTemplate):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, signing.ErrNoRecipients),
		errors.Is(err, signing.ErrInvalidRecipient),
		errors.Is(err, signing.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, signing.ErrRender):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		obs.Error("request.failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pdfFilename(name string) string {
	base := strings.TrimSpace(name)
	if strings.HasSuffix(strings.ToLower(base), ".pdf") {
		base = base[:len(base)-len(".pdf")]
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, base)
	if base == "" {
		base = "document"
	}
	return base + ".pdf"
}

func writePDF(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
