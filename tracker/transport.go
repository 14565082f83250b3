package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"checkin/live/models"
)

// Transport delivers tracker batches to the ingestion endpoint.
type Transport interface {
	// Send delivers a batch and reports whether it arrived.
	Send(ctx context.Context, batch models.TrackBatch) error
	// Beacon attempts delivery without blocking the caller and without
	// waiting for a response. There is no acknowledgment and no retry.
	Beacon(batch models.TrackBatch)
}

// TransportError is a failed delivery. The tracker re-buffers the batch.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver tracking batch: status %d", e.StatusCode)
	}
	return fmt.Sprintf("deliver tracking batch: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPTransport posts batches as JSON to the ingestion endpoint.
type HTTPTransport struct {
	Endpoint      string
	Client        *http.Client
	BeaconTimeout time.Duration

	beacons sync.WaitGroup
}

func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		Endpoint:      endpoint,
		Client:        &http.Client{Timeout: 10 * time.Second},
		BeaconTimeout: 5 * time.Second,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, batch models.TrackBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return xerrors.Errorf("encode tracking batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Beacon fires the batch on a goroutine. It is sent as text/plain, like a
// browser beacon, and the response is discarded unread.
func (t *HTTPTransport) Beacon(batch models.TrackBatch) {
	body, err := json.Marshal(batch)
	if err != nil {
		return
	}
	t.beacons.Add(1)
	go func() {
		defer t.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.BeaconTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		resp, err := t.Client.Do(req)
		if err != nil {
			return
		}
		_ = resp.Body.Close()
	}()
}

// Close waits for outstanding beacons. Each is bounded by BeaconTimeout.
func (t *HTTPTransport) Close() {
	t.beacons.Wait()
}
