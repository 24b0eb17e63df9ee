package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Presence pushes status text to the external chat surface (gaia-web
// /presence). Updates are best-effort and must never block or fail a state
// transition.
type Presence struct {
	webURL     string
	httpClient *http.Client
}

func NewPresence(webURL string) *Presence {
	return &Presence{
		webURL:     webURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Update sets the surface activity text and status dot. Empty activity
// resets to the dynamic idle status.
func (p *Presence) Update(activity, status string) {
	payload := map[string]string{}
	if activity == "" {
		payload["activity"] = "over the studio"
	} else {
		payload["activity"] = activity
	}
	if status != "" {
		payload["status"] = status
	}

	data, _ := json.Marshal(payload)
	resp, err := p.httpClient.Post(p.webURL+"/presence", "application/json", bytes.NewReader(data))
	if err != nil {
		log.Printf("Presence: update failed: %v", err)
		return
	}
	resp.Body.Close()
}

// Sleeping shows the idle (yellow) dot with the given text.
func (p *Presence) Sleeping(activity string) { p.Update(activity, "idle") }

// Busy shows the do-not-disturb dot with the given text.
func (p *Presence) Busy(activity string) { p.Update(activity, "dnd") }

// Offline makes the surface invisible.
func (p *Presence) Offline() { p.Update("", "invisible") }

// Reset returns to the dynamic idle status.
func (p *Presence) Reset() { p.Update("", "") }
