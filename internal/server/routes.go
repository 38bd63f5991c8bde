package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seatwise/licensed/internal/lemon"
	"github.com/seatwise/licensed/internal/licensing"
	"github.com/seatwise/licensed/internal/portal"
	"github.com/seatwise/licensed/internal/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *Config
	Store   *store.Store
	Service *licensing.Service
	Version string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Liveness / readiness.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Provider webhook (signature-authenticated, rate-limited).
	webhookHandler := lemon.NewWebhookHandler(deps.Config.SigningSecret, deps.Service)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/lemon/webhook", webhookLimiter.Middleware(webhookHandler))

	// Client license API. Mounted bare and under /api for older desktop builds.
	licenseRoutes := map[string]http.Handler{
		"/licenses/status":  licensing.HandleStatus(deps.Service),
		"/licenses/redeem":  licensing.HandleRedeem(deps.Service),
		"/licenses/assign":  licensing.HandleAssign(deps.Service),
		"/licenses/release": licensing.HandleRelease(deps.Service),
	}
	for path, handler := range licenseRoutes {
		mux.Handle(path, handler)
		mux.Handle("/api"+path, handler)
	}

	// Administrative surface (key-authenticated; disabled without a key).
	removeSeat := adminAuth(licensing.HandleRemoveSeat(deps.Service))
	mux.Handle("/licenses/remove_seat", removeSeat)
	mux.Handle("/api/licenses/remove_seat", removeSeat)
	mux.Handle("/api/licenses/debug", adminAuth(licensing.HandleDebug(deps.Store)))

	// Billing portal (pure URL template, no provider API).
	mux.Handle("/api/licenses/portal", portal.HandlePortalJSON(deps.Config.StoreSlug))
	mux.Handle("/api/billing/portal", portal.HandlePortalRedirect(deps.Config.StoreSlug))

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
// An empty configured key rejects everything.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || key != adminKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WithCORS applies the permissive CORS policy the desktop client expects and
// short-circuits preflight requests.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "content-type, x-signature, x-event-name, x-admin-key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
