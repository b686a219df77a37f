// Package rendezvous provides a client for pushing a new slot list to the
// rendezvous HTTP service (spec.md §6): the service workers poll/GET to
// learn their own rank. This package only implements the driver's side of
// that contract -- init(slot_list) -- not the service itself.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Will-Luck/elastic-driver/internal/elastic"
)

// wireSlot is the JSON shape pushed to the rendezvous service's
// POST /rendezvous/init endpoint. Field names are snake_case to match the
// service's existing wire format (spec.md §6: "bit-compatibility with the
// existing service is required only at this init(slot_list) call").
type wireSlot struct {
	Hostname   string `json:"hostname"`
	Rank       uint   `json:"rank"`
	LocalRank  uint   `json:"local_rank"`
	CrossRank  uint   `json:"cross_rank"`
	Size       uint   `json:"size"`
	LocalSize  uint   `json:"local_size"`
	CrossSize  uint   `json:"cross_size"`
}

// HTTPClient pushes slot lists to the rendezvous service over HTTP,
// grounded on the teacher's generic webhook notifier (same http.Client +
// timeout + JSON body + status check shape).
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a client that posts to url (e.g.
// "http://rendezvous:8000/rendezvous/init").
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Init implements elastic.RendezvousClient.
func (c *HTTPClient) Init(ctx context.Context, slots []elastic.SlotInfo) error {
	wire := make([]wireSlot, len(slots))
	for i, s := range slots {
		wire[i] = wireSlot{
			Hostname:  s.Hostname,
			Rank:      s.Rank,
			LocalRank: s.LocalRank,
			CrossRank: s.CrossRank,
			Size:      s.Size,
			LocalSize: s.LocalSize,
			CrossSize: s.CrossSize,
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal rendezvous init payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rendezvous init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send rendezvous init request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rendezvous service returned %s", resp.Status)
	}
	return nil
}
