// Package activity delivers session events to the external activity-log
// sink. Delivery is fire-and-forget: a failed or slow sink never affects the
// session that produced the event.
package activity

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Event is one structured activity record.
type Event struct {
	// Type is terminal, tunnel, file_manager, docker or
	// opkssh_authentication.
	Type     string `json:"type"`
	UserID   uint   `json:"userId"`
	HostID   uint   `json:"hostId"`
	HostName string `json:"hostName"`
}

// Logger posts events to the sink with an internal bearer token. A Logger
// with an empty URL discards events.
type Logger struct {
	url    string
	token  string
	client *http.Client
}

func New(url, token string) *Logger {
	return &Logger{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Log sends the event asynchronously.
func (l *Logger) Log(ev Event) {
	if l.url == "" {
		return
	}
	go l.post(ev)
}

func (l *Logger) post(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[activity] marshal event: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[activity] build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		log.Printf("[activity] post event: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[activity] sink returned %d", resp.StatusCode)
	}
}
