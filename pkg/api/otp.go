package api

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"ncm-console/pkg/model"
	"ncm-console/pkg/store"
)

const otpCodeTTL = 5 * time.Minute

type issuedCode struct {
	code    string
	expires time.Time
}

// OTPHandler issues and verifies step-up codes. Codes are delivered out of
// band (here: the server log stands in for the SMS gateway); a successful
// verification stores a grant honored for the group's cache TTL.
type OTPHandler struct {
	Store store.Store

	mu    sync.Mutex
	codes map[string]issuedCode // keyed dept|group
}

func NewOTPHandler(st store.Store) *OTPHandler {
	return &OTPHandler{Store: st, codes: make(map[string]issuedCode)}
}

func (o *OTPHandler) RegisterRoutes(mux *http.ServeMux, auth func(r *http.Request) bool) {
	mux.HandleFunc("/api/v1/otp/request", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		o.handleRequest(w, r)
	})
	mux.HandleFunc("/api/v1/otp/verify", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		o.handleVerify(w, r)
	})
}

func (o *OTPHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeptID      string `json:"dept_id"`
		DeviceGroup string `json:"device_group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeptID == "" || req.DeviceGroup == "" {
		writeError(w, http.StatusBadRequest, "dept_id and device_group are required")
		return
	}
	o.Issue(req.DeptID, req.DeviceGroup)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sent":       true,
		"expires_in": int(otpCodeTTL.Seconds()),
	})
}

// Issue creates a fresh code for the pair and hands it to the delivery
// channel. Called on explicit request and whenever the deploy gate refuses
// an execute.
func (o *OTPHandler) Issue(deptID, group string) {
	code := sixDigits()
	o.mu.Lock()
	o.codes[deptID+"|"+group] = issuedCode{code: code, expires: time.Now().Add(otpCodeTTL)}
	o.mu.Unlock()
	log.Printf("otp issued dept=%s group=%s code=%s", deptID, group, code)
}

func (o *OTPHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeptID      string `json:"dept_id"`
		DeviceGroup string `json:"device_group"`
		OTPCode     string `json:"otp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeptID == "" || req.DeviceGroup == "" {
		writeError(w, http.StatusBadRequest, "dept_id and device_group are required")
		return
	}

	o.mu.Lock()
	issued, ok := o.codes[req.DeptID+"|"+req.DeviceGroup]
	if ok && (issued.code != req.OTPCode || time.Now().After(issued.expires)) {
		ok = false
	}
	if ok {
		delete(o.codes, req.DeptID+"|"+req.DeviceGroup)
	}
	o.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"verified": false,
			"message":  "invalid or expired code",
		})
		return
	}

	ttl := 0
	if g, found, _ := o.Store.GetGroup(req.DeptID, req.DeviceGroup); found {
		ttl = g.CacheTTLSec
	}
	_ = o.Store.SaveGrant(model.StepUpGrant{
		DeptID:     req.DeptID,
		Group:      req.DeviceGroup,
		VerifiedAt: time.Now().Unix(),
		TTLSec:     ttl,
	})
	_ = o.Store.AppendAudit(model.AuditEntry{
		Actor:     actorFrom(r),
		Action:    "otp_verify",
		Target:    req.DeptID + "|" + req.DeviceGroup,
		Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"verified": true})
}

func sixDigits() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return fmt.Sprintf("%06d", n%1000000)
}

// hasGrant reports whether an unexpired grant exists for the pair.
func hasGrant(st store.Store, deptID, group string) bool {
	g, ok, _ := st.GetGrant(deptID, group)
	return ok && !g.Expired(time.Now().Unix())
}
