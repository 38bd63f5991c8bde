package licensing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seatwise/licensed/internal/store"
)

func postJSON(t *testing.T, h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandleStatus(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Redeem(context.Background(), "a@x.com", "K1"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	h := HandleStatus(svc)

	req := httptest.NewRequest(http.MethodGet, "/licenses/status?email=A@X.com", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK         bool `json:"ok"`
		TotalSeats int  `json:"totalSeats"`
		UsedSeats  int  `json:"usedSeats"`
		Locked     bool `json:"locked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.TotalSeats != 1 || resp.UsedSeats != 0 || resp.Locked {
		t.Fatalf("resp = %+v", resp)
	}

	// Unknown accounts read as empty, not 404.
	req = httptest.NewRequest(http.MethodGet, "/licenses/status?email=nobody@x.com", nil)
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown account status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/licenses/status?email=not-an-email", nil)
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid email status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, h, "/licenses/status", "{}")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", rec.Code)
	}
}

func TestHandleRedeemStatusCodes(t *testing.T) {
	svc, st := newTestService(t)
	h := HandleRedeem(svc)

	rec := postJSON(t, h, "/licenses/redeem", `{"email":"a@x.com","licenseKey":"K1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h, "/licenses/redeem", `{"email":"b@y.com","licenseKey":"K1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("consumed key = %d, want 409", rec.Code)
	}

	rec = postJSON(t, h, "/licenses/redeem", `{"email":"bogus","licenseKey":"K2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad email = %d, want 400", rec.Code)
	}

	reason := "subscription_expired"
	if err := st.UpdateAccount("c@z.com", func(acc *store.Account, tx *store.Tx) error {
		acc.Locked = true
		acc.LockReason = &reason
		return nil
	}); err != nil {
		t.Fatalf("seed locked account: %v", err)
	}
	rec = postJSON(t, h, "/licenses/redeem", `{"email":"c@z.com","licenseKey":"K3"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("locked account = %d, want 403", rec.Code)
	}

	rec = postJSON(t, h, "/licenses/redeem", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d, want 400", rec.Code)
	}
}

func TestHandleAssignAndRelease(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Redeem(context.Background(), "a@x.com", "K1"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	assign := HandleAssign(svc)
	release := HandleRelease(svc)

	rec := postJSON(t, assign, "/licenses/assign", `{"email":"a@x.com","deviceId":"dev1","deviceName":"Front desk"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign = %d, body = %s", rec.Code, rec.Body.String())
	}
	var assigned struct {
		OK     bool   `json:"ok"`
		SeatID string `json:"seatId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &assigned); err != nil || !assigned.OK || assigned.SeatID == "" {
		t.Fatalf("assign body = %s", rec.Body.String())
	}

	// Legacy clients send modelId instead of deviceId.
	rec = postJSON(t, assign, "/licenses/assign", `{"email":"a@x.com","modelId":"dev1"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "already assigned") {
		t.Fatalf("legacy retry = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, assign, "/licenses/assign", `{"email":"a@x.com","deviceId":"dev2"}`)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "no free seat") {
		t.Fatalf("exhausted seats = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, assign, "/licenses/assign", `{"email":"a@x.com"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "modelId missing") {
		t.Fatalf("missing device = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, release, "/licenses/release", `{"email":"a@x.com","deviceId":"dev1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("release = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = postJSON(t, release, "/licenses/release", `{"email":"a@x.com","deviceId":"dev1"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "already free") {
		t.Fatalf("repeat release = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAssignLockedAccount(t *testing.T) {
	svc, st := newTestService(t)
	reason := "subscription_payment_failed"
	if err := st.UpdateAccount("a@x.com", func(acc *store.Account, tx *store.Tx) error {
		acc.Locked = true
		acc.LockReason = &reason
		return nil
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	rec := postJSON(t, HandleAssign(svc), "/licenses/assign", `{"email":"a@x.com","deviceId":"dev1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandleRemoveSeat(t *testing.T) {
	svc, _ := newTestService(t)
	redeem, err := svc.Redeem(context.Background(), "a@x.com", "K1")
	if err != nil || !redeem.OK {
		t.Fatalf("Redeem = %+v, %v", redeem, err)
	}
	h := HandleRemoveSeat(svc)

	rec := postJSON(t, h, "/licenses/remove_seat", `{"email":"a@x.com","seatId":"`+redeem.SeatID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = postJSON(t, h, "/licenses/remove_seat", `{"email":"a@x.com","seatId":"`+redeem.SeatID+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat remove = %d, want 404", rec.Code)
	}
}

func TestHandleDebug(t *testing.T) {
	svc, st := newTestService(t)
	if _, err := svc.Redeem(context.Background(), "a@x.com", "K1"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	h := HandleDebug(st)

	req := httptest.NewRequest(http.MethodGet, "/api/licenses/debug", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug = %d", rec.Code)
	}
	var dump struct {
		Accounts    []json.RawMessage `json:"accounts"`
		Redemptions []json.RawMessage `json:"redemptions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dump); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dump.Accounts) != 1 || len(dump.Redemptions) != 1 {
		t.Fatalf("dump = %d accounts, %d redemptions; want 1/1", len(dump.Accounts), len(dump.Redemptions))
	}
}
