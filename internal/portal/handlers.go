// Package portal builds billing portal URLs for the provider's hosted billing
// page. No provider API involved: the portal is a pure URL template keyed by
// the store slug.
package portal

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seatwise/licensed/internal/store"
)

type portalResponse struct {
	OK  bool   `json:"ok"`
	URL string `json:"url,omitempty"`
	Msg string `json:"msg,omitempty"`
}

// BuildURL returns the hosted billing page for the store, optionally scoped to
// a customer email. Returns ok=false when no store slug is configured.
func BuildURL(storeSlug, email string) (string, bool) {
	storeSlug = strings.TrimSpace(storeSlug)
	if storeSlug == "" {
		return "", false
	}
	base := "https://" + storeSlug + ".lemonsqueezy.com/billing"
	if email == "" {
		return base, true
	}
	return base + "?email=" + url.QueryEscape(email), true
}

// HandlePortalJSON returns the billing portal URL as JSON.
// Route: GET|POST /api/licenses/portal
func HandlePortalJSON(storeSlug string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := emailFromRequest(r)
		log.Debug().Str("method", r.Method).Str("email", email).Msg("Portal URL requested")

		portalURL, ok := BuildURL(storeSlug, email)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, portalResponse{Msg: "billing store not configured"})
			return
		}
		writeJSON(w, http.StatusOK, portalResponse{OK: true, URL: portalURL})
	}
}

// HandlePortalRedirect 302-redirects to the billing portal (for window.open).
// Route: GET|POST /api/billing/portal
func HandlePortalRedirect(storeSlug string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portalURL, ok := BuildURL(storeSlug, emailFromRequest(r))
		if !ok {
			writeJSON(w, http.StatusInternalServerError, portalResponse{Msg: "billing store not configured"})
			return
		}
		http.Redirect(w, r, portalURL, http.StatusFound)
	}
}

// emailFromRequest reads the customer email from the JSON body on POST and
// from the query string otherwise.
func emailFromRequest(r *http.Request) string {
	if r.Method == http.MethodPost {
		var body struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			return store.NormalizeEmail(body.Email)
		}
		return ""
	}
	return store.NormalizeEmail(r.URL.Query().Get("email"))
}

func writeJSON(w http.ResponseWriter, status int, v portalResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("portal: encode JSON response")
	}
}
