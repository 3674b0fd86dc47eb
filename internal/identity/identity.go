// Package identity is the boundary to the profile service: a synchronous
// lookup of a participant's rating and display name.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrNotFound = errors.New("profile not found")

type Profile struct {
	Rating      float64 `json:"rating"` // 0..5
	DisplayName string  `json:"display_name"`
}

type Directory interface {
	Lookup(ctx context.Context, id string) (Profile, error)
}

// HTTPDirectory looks profiles up from the identity service.
type HTTPDirectory struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPDirectory(endpoint string) *HTTPDirectory {
	return &HTTPDirectory{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, id string) (Profile, error) {
	url := fmt.Sprintf("%s/v1/profiles/%s", d.Endpoint, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Profile{}, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Profile{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("identity service status %d", resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// StaticDirectory serves profiles from memory; used in local runs and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{profiles: make(map[string]Profile)}
}

func (d *StaticDirectory) Put(id string, p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[id] = p
}

func (d *StaticDirectory) Lookup(_ context.Context, id string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
