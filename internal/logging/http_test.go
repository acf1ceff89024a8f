package logging

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu       sync.Mutex
	received []*LogEntry
	auth     []string
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var entries []*LogEntry
		require.NoError(t, json.Unmarshal(body, &entries))

		c.mu.Lock()
		c.received = append(c.received, entries...)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func newEntry(msg string) *LogEntry {
	return &LogEntry{Timestamp: time.Now(), Level: "warning", Message: msg, Service: "opsadmin"}
}

func TestNewHTTPOutput_Defaults(t *testing.T) {
	output := NewHTTPOutput("http://example.com", "token123", 0, 0)
	defer output.Close()

	assert.Equal(t, 50, output.batchSize)
	assert.Equal(t, 1000, output.maxBuffered)
	assert.Equal(t, 5*time.Second, output.flushInterval)
	assert.NotNil(t, output.client)
}

func TestHTTPOutput_BatchesBySize(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	output := NewHTTPOutput(server.URL, "token123", 2, time.Hour)
	defer output.Close()

	require.NoError(t, output.Write(newEntry("one")))
	require.NoError(t, output.Write(newEntry("two")))

	assert.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "one", c.received[0].Message)
	assert.Equal(t, "opsadmin", c.received[0].Service)
	assert.Equal(t, []string{"Bearer token123"}, c.auth)
}

func TestHTTPOutput_FlushInterval(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	output := NewHTTPOutput(server.URL, "", 100, 50*time.Millisecond)
	defer output.Close()

	require.NoError(t, output.Write(newEntry("lonely")))
	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{""}, c.auth, "no Authorization header without a token")
}

func TestHTTPOutput_CloseFlushesAndWaits(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	output := NewHTTPOutput(server.URL, "", 100, time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, output.Write(newEntry("pending")))
	}

	require.NoError(t, output.Close())
	assert.Equal(t, 3, c.count(), "Close must deliver buffered entries before returning")
	require.NoError(t, output.Close())
}

func TestHTTPOutput_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	output := NewHTTPOutput(server.URL, "", 1, time.Hour)
	output.retryDelay = time.Millisecond
	require.NoError(t, output.Write(newEntry("retry me")))
	require.NoError(t, output.Close())

	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, output.Failed())
}

func TestHTTPOutput_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	output := NewHTTPOutput(server.URL, "", 1, time.Hour)
	output.retryDelay = time.Millisecond
	require.NoError(t, output.Write(newEntry("rejected")))
	require.NoError(t, output.Close())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), output.Failed())
}

func TestHTTPOutput_DropsOldestWhenFull(t *testing.T) {
	output := NewHTTPOutput("http://127.0.0.1:1", "", 100, time.Hour)
	output.maxBuffered = 2
	output.retryDelay = time.Millisecond

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, output.Write(newEntry(msg)))
	}

	output.mu.Lock()
	require.Len(t, output.buffer, 2)
	assert.Equal(t, "b", output.buffer[0].Message)
	assert.Equal(t, "c", output.buffer[1].Message)
	output.mu.Unlock()
	assert.Equal(t, int64(1), output.Dropped())

	require.NoError(t, output.Close())
}
