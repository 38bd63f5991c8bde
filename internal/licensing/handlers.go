package licensing

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seatwise/licensed/internal/store"
)

const requestBodyLimit = 64 * 1024 // 64 KiB

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Msg   string `json:"msg,omitempty"`
}

// HandleStatus reports an account's seats and lock state.
// Route: GET /licenses/status?email=...
func HandleStatus(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		email := store.NormalizeEmail(r.URL.Query().Get("email"))
		if !strings.Contains(email, "@") {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "email missing"})
			return
		}

		status, err := svc.Status(email)
		if err != nil {
			log.Error().Err(err).Str("email", email).Msg("License status lookup failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
			StatusResult
		}{OK: true, StatusResult: status})
	}
}

// HandleRedeem converts a license key into a seat.
// Route: POST /licenses/redeem { email, licenseKey }
func HandleRedeem(svc *Service) http.HandlerFunc {
	type request struct {
		Email      string `json:"email"`
		LicenseKey string `json:"licenseKey"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := svc.Redeem(r.Context(), req.Email, req.LicenseKey)
		if err != nil {
			log.Error().Err(err).Str("email", req.Email).Msg("Redemption failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store_unavailable"})
			return
		}
		writeJSON(w, redeemStatusCode(res), res)
	}
}

func redeemStatusCode(res RedeemResult) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.Error {
	case RedeemErrAccountLocked:
		return http.StatusForbidden
	case RedeemErrAlreadyRedeemed, RedeemErrRedeemedInAccount:
		return http.StatusConflict
	default: // email_missing, key_missing, invalid_key
		return http.StatusBadRequest
	}
}

// HandleAssign binds a free seat to a device.
// Route: POST /licenses/assign { email, deviceId, deviceName? }
func HandleAssign(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		email := store.NormalizeEmail(req.Email)
		if !strings.Contains(email, "@") {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "email missing"})
			return
		}
		deviceID := req.deviceID()
		if deviceID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "modelId missing"})
			return
		}

		res, err := svc.Assign(r.Context(), email, deviceID, req.deviceName())
		if err != nil {
			log.Error().Err(err).Str("email", email).Msg("Seat assignment failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "store unavailable"})
			return
		}

		switch {
		case res.AlreadyAssigned:
			writeJSON(w, http.StatusOK, struct {
				OK     bool   `json:"ok"`
				Msg    string `json:"msg"`
				SeatID string `json:"seatId"`
			}{OK: true, Msg: "already assigned", SeatID: res.SeatID})
		case res.OK:
			writeJSON(w, http.StatusOK, struct {
				OK     bool   `json:"ok"`
				SeatID string `json:"seatId"`
			}{OK: true, SeatID: res.SeatID})
		case res.Error == AssignErrAccountLocked:
			writeJSON(w, http.StatusForbidden, errorResponse{Msg: res.Error})
		default:
			writeJSON(w, http.StatusConflict, errorResponse{Msg: res.Error})
		}
	}
}

// HandleRelease frees the seat bound to a device. Always succeeds once the
// request parses; releasing an unbound device reports "already free".
// Route: POST /licenses/release { email, deviceId }
func HandleRelease(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		email := store.NormalizeEmail(req.Email)
		if !strings.Contains(email, "@") {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "email missing"})
			return
		}
		deviceID := req.deviceID()
		if deviceID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "modelId missing"})
			return
		}

		res, err := svc.Release(r.Context(), email, deviceID)
		if err != nil {
			log.Error().Err(err).Str("email", email).Msg("Seat release failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "store unavailable"})
			return
		}
		if res.AlreadyFree {
			writeJSON(w, http.StatusOK, struct {
				OK  bool   `json:"ok"`
				Msg string `json:"msg"`
			}{OK: true, Msg: "already free"})
			return
		}
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
		}{OK: true})
	}
}

// HandleRemoveSeat deletes a seat outright (administrative). The seat's
// license key stays consumed.
// Route: POST /licenses/remove_seat { email, seatId }
func HandleRemoveSeat(svc *Service) http.HandlerFunc {
	type request struct {
		Email  string `json:"email"`
		SeatID string `json:"seatId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeBody(w, r, &req) {
			return
		}
		email := store.NormalizeEmail(req.Email)
		if !strings.Contains(email, "@") || strings.TrimSpace(req.SeatID) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email or seatId missing"})
			return
		}

		found, err := svc.RemoveSeat(r.Context(), email, strings.TrimSpace(req.SeatID))
		if err != nil {
			log.Error().Err(err).Str("email", email).Msg("Seat removal failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store_unavailable"})
			return
		}
		if !found {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "seat_not_found"})
			return
		}
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
		}{OK: true})
	}
}

// HandleDebug dumps every account and the global redemption registry.
// Admin-key gated by the router.
// Route: GET /licenses/debug
func HandleDebug(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accounts, err := st.ListAccounts()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store_unavailable"})
			return
		}
		redemptions, err := st.ListRedemptions()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store_unavailable"})
			return
		}
		if accounts == nil {
			accounts = []*store.Account{}
		}
		if redemptions == nil {
			redemptions = []*store.Redemption{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts":    accounts,
			"redemptions": redemptions,
		})
	}
}

// deviceRequest accepts both the current deviceId/deviceName field names and
// the legacy modelId/modelName ones still sent by older desktop builds.
type deviceRequest struct {
	Email      string `json:"email"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	ModelID    string `json:"modelId"`
	ModelName  string `json:"modelName"`
}

func (r *deviceRequest) deviceID() string {
	if v := strings.TrimSpace(r.DeviceID); v != "" {
		return v
	}
	return strings.TrimSpace(r.ModelID)
}

func (r *deviceRequest) deviceName() string {
	if v := strings.TrimSpace(r.DeviceName); v != "" {
		return v
	}
	return strings.TrimSpace(r.ModelName)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("licensing: encode JSON response")
	}
}
