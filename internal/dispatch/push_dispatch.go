package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher posts events to an external push provider for clients
// without a live WebSocket session.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Publish(ev Event) error {
	body, _ := json.Marshal(map[string]any{"recipients": ev.Recipients(), "event": ev})
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}

// Fallback tries sinks in order until one delivers. The engine wires the
// WS registry first and a push provider behind it.
type Fallback []Sink

func (f Fallback) Publish(ev Event) error {
	var err error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err = s.Publish(ev); err == nil {
			return nil
		}
	}
	return err
}
