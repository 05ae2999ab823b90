// Command webhook-receiver is a local stand-in for the CRM-side services an
// easytrigger deployment calls. It accepts webhook actions on /hook and
// collaborator calls on /tasks, /messages and /fields, and keeps the last
// requests in memory for inspection via /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const signatureHeader = "X-EasyTrigger-Signature"

type request struct {
	Timestamp string            `json:"timestamp"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	// SignatureValid is nil when no WEBHOOK_SECRET is configured.
	SignatureValid *bool `json:"signature_valid,omitempty"`
}

type stats struct {
	Count        int64            `json:"count"`
	ByPath       map[string]int64 `json:"by_path"`
	Rejected     int64            `json:"rejected"`
	LastRequests []request        `json:"last_requests"`
	Since        string           `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	rejected     int64
	byPath       = make(map[string]int64)
	lastRequests []request
	since        time.Time
	maxStored    = 50

	secret string
	// failStatus, when non-zero, is returned for every received call so that
	// failed executions can be exercised end to end.
	failStatus int
)

func main() {
	since = time.Now().UTC()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("WEBHOOK_SECRET")
	if v := os.Getenv("FAIL_STATUS"); v != "" {
		fmt.Sscanf(v, "%d", &failStatus)
	}

	http.HandleFunc("/hook", receiveHandler)
	http.HandleFunc("/tasks", receiveHandler)
	http.HandleFunc("/messages", receiveHandler)
	http.HandleFunc("/fields", receiveHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		rejected = 0
		byPath = make(map[string]int64)
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s (signature check=%t, fail_status=%d)", addr, secret != "", failStatus)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func receiveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	req := request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   headers,
		Body:      string(body),
	}

	// Only webhook actions are signed.
	if secret != "" && r.URL.Path == "/hook" {
		valid := verify(body, r.Header.Get(signatureHeader))
		req.SignatureValid = &valid
	}

	mu.Lock()
	count++
	byPath[r.URL.Path]++
	if req.SignatureValid != nil && !*req.SignatureValid {
		rejected++
	}
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	if req.SignatureValid != nil && !*req.SignatureValid {
		log.Printf("%s #%d rejected: bad signature", r.URL.Path, current)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	log.Printf("%s received #%d: %s", r.URL.Path, current, string(body))
	if failStatus != 0 {
		w.WriteHeader(failStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

// verify checks the hex HMAC-SHA256 of body against signature.
func verify(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	paths := make(map[string]int64, len(byPath))
	for k, v := range byPath {
		paths[k] = v
	}
	s := stats{
		Count:        count,
		ByPath:       paths,
		Rejected:     rejected,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
