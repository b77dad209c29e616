// fake-runner simulates the browser-automation runner for local runs of
// tripqueue serve. Trips choose their result with extra.simulate:
// "rejected", "capacity", "corrupt" or "unknown". Anything else succeeds.
package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const signatureHeader = "X-Tripqueue-Signature"

type trip struct {
	Prefactura string            `json:"prefactura"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type signal struct {
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
	Module      string `json:"module,omitempty"`
	ERPTripID   string `json:"erp_trip_id,omitempty"`
	InvoiceUUID string `json:"invoice_uuid,omitempty"`
}

type stats struct {
	Sessions  int            `json:"sessions"`
	Opened    int64          `json:"opened"`
	Refused   int64          `json:"refused"`
	Submitted int64          `json:"submitted"`
	Outcomes  map[string]int `json:"outcomes"`
	Since     string         `json:"since"`
}

var (
	mu          sync.Mutex
	sessions    = map[string]string{} // id -> target
	opened      int64
	refused     int64
	submitted   int64
	outcomes    = map[string]int{}
	since       time.Time
	secret      string
	maxSessions = 1
	target      = "https://erp.local/trips/new"
	delay       time.Duration
)

func main() {
	since = time.Now().UTC()

	addr := ":9000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("RUNNER_SECRET")
	if v := os.Getenv("TARGET"); v != "" {
		target = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid MAX_SESSIONS %q", v)
		}
		maxSessions = n
	}
	if v := os.Getenv("DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid DELAY %q: %v", v, err)
		}
		delay = d
	}

	http.HandleFunc("/sessions", verified(openSession))
	http.HandleFunc("/sessions/", verified(sessionRoutes))
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		sessions = map[string]string{}
		opened, refused, submitted = 0, 0, 0
		outcomes = map[string]int{}
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("fake-runner listening on %s (max_sessions=%d, signed=%t)", addr, maxSessions, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

// verified rejects requests whose signature does not match when a secret is set.
func verified(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if secret != "" {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write([]byte(r.Method + "\n" + r.URL.EscapedPath() + "\n"))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(expected), []byte(r.Header.Get(signatureHeader))) {
				writeError(w, http.StatusUnauthorized, "bad signature")
				return
			}
		}
		next(w, r, body)
	}
}

func openSession(w http.ResponseWriter, r *http.Request, _ []byte) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	mu.Lock()
	if len(sessions) >= maxSessions {
		refused++
		mu.Unlock()
		writeError(w, http.StatusTooManyRequests, "session limit reached")
		return
	}
	id := newID()
	sessions[id] = target
	opened++
	mu.Unlock()

	log.Printf("session opened: %s", id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "target": target})
}

func sessionRoutes(w http.ResponseWriter, r *http.Request, body []byte) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	id, sub, _ := strings.Cut(rest, "/")

	mu.Lock()
	current, ok := sessions[id]
	mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"target": current})
	case sub == "" && r.Method == http.MethodDelete:
		mu.Lock()
		delete(sessions, id)
		mu.Unlock()
		log.Printf("session closed: %s", id)
		w.WriteHeader(http.StatusNoContent)
	case sub == "trips" && r.Method == http.MethodPost:
		submit(w, id, body)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func submit(w http.ResponseWriter, id string, body []byte) {
	var t trip
	if err := json.Unmarshal(body, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trip")
		return
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	var sig signal
	switch t.Extra["simulate"] {
	case "rejected":
		sig = signal{Outcome: "BUSINESS_REJECTED", Detail: "determinante not found", Module: "captura"}
	case "capacity":
		sig = signal{Outcome: "CAPACITY_LIMITED", Detail: "licencias agotadas", Module: "login"}
	case "corrupt":
		// The browser died: forget the session so the next probe fails.
		mu.Lock()
		delete(sessions, id)
		mu.Unlock()
		sig = signal{Outcome: "RESOURCE_CORRUPT", Detail: "browser crashed", Module: "captura"}
	case "unknown":
		sig = signal{Outcome: "UNKNOWN_ERROR", Detail: "timeout waiting for grid", Module: "facturacion"}
	default:
		sig = signal{
			Outcome:     "SUCCESS",
			Module:      "facturacion",
			ERPTripID:   "ERP-" + t.Prefactura,
			InvoiceUUID: newID(),
		}
	}

	mu.Lock()
	submitted++
	outcomes[sig.Outcome]++
	current := submitted
	mu.Unlock()

	log.Printf("trip #%d %s: %s", current, t.Prefactura, sig.Outcome)
	writeJSON(w, http.StatusOK, sig)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Sessions:  len(sessions),
		Opened:    opened,
		Refused:   refused,
		Submitted: submitted,
		Outcomes:  make(map[string]int, len(outcomes)),
		Since:     since.Format(time.RFC3339),
	}
	for k, v := range outcomes {
		s.Outcomes[k] = v
	}
	mu.Unlock()

	writeJSON(w, http.StatusOK, s)
}

func newID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
