package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	sendTimeout    = 10 * time.Second
	sendRetries    = 2
	sendRetryDelay = 500 * time.Millisecond
)

// HTTPOutput batches log entries and POSTs them as a JSON array
type HTTPOutput struct {
	url           string
	authToken     string
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	retryDelay    time.Duration
	client        *http.Client
	buffer        []*LogEntry
	mu            sync.Mutex
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup // flusher
	sends         sync.WaitGroup // in-flight batches
	dropped       atomic.Int64
	failed        atomic.Int64
}

// NewHTTPOutput creates a new HTTP output
func NewHTTPOutput(url, authToken string, batchSize int, flushInterval time.Duration) *HTTPOutput {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	output := &HTTPOutput{
		url:           url,
		authToken:     authToken,
		batchSize:     batchSize,
		maxBuffered:   batchSize * 20,
		flushInterval: flushInterval,
		retryDelay:    sendRetryDelay,
		client: &http.Client{
			Timeout: sendTimeout,
		},
		buffer:   make([]*LogEntry, 0, batchSize),
		stopChan: make(chan struct{}),
	}

	// Start background flusher
	output.wg.Add(1)
	go output.flusher()

	return output
}

// Write adds a log entry to the buffer. When the collector falls behind the
// oldest buffered entries are discarded.
func (h *HTTPOutput) Write(entry *LogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buffer) >= h.maxBuffered {
		h.buffer = h.buffer[1:]
		h.dropped.Add(1)
	}
	h.buffer = append(h.buffer, entry)

	// Flush if buffer is full
	if len(h.buffer) >= h.batchSize {
		h.flushLocked()
	}
	return nil
}

// Dropped returns the number of entries discarded because the buffer was full
func (h *HTTPOutput) Dropped() int64 {
	return h.dropped.Load()
}

// Failed returns the number of batches that could not be delivered
func (h *HTTPOutput) Failed() int64 {
	return h.failed.Load()
}

// flusher periodically flushes the buffer
func (h *HTTPOutput) flusher() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			h.flushLocked()
			h.mu.Unlock()

		case <-h.stopChan:
			// Final flush on shutdown
			h.mu.Lock()
			h.flushLocked()
			h.mu.Unlock()
			return
		}
	}
}

// flushLocked hands the buffered entries to a sender (caller must hold lock)
func (h *HTTPOutput) flushLocked() {
	if len(h.buffer) == 0 {
		return
	}

	entries := make([]*LogEntry, len(h.buffer))
	copy(entries, h.buffer)
	h.buffer = h.buffer[:0]

	h.sends.Add(1)
	go func() {
		defer h.sends.Done()
		if err := h.sendBatch(entries); err != nil {
			h.failed.Add(1)
		}
	}()
}

// sendBatch posts one batch, retrying transport failures and 5xx responses
func (h *HTTPOutput) sendBatch(entries []*LogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log entries: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*sendTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(sendRetries, retry.NewExponential(h.retryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+h.authToken)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to send logs: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("log collector returned status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("log collector returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// Close flushes what is buffered and waits for in-flight batches
func (h *HTTPOutput) Close() error {
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.wg.Wait()
	h.sends.Wait()
	return nil
}
