package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitops/opsadmin/internal/auth"
)

func bufferLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, &buf
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func request(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoggingCapturesStatusAndUser(t *testing.T) {
	logger, buf := bufferLogger()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	})
	user := &auth.User{ID: "admin-7", Roles: []string{auth.RoleAdmin}}
	h := Logging(logger)(auth.StaticMiddleware(user)(CaptureUser(inner)))

	request(h, "10.0.0.1:1234")

	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"user_id":"admin-7"`)
	assert.Contains(t, out, `"level":"warning"`)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "192.0.2.10", ClientIP(req, false))
	assert.Equal(t, "203.0.113.7", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIP(req, true))
}

func TestRateLimiterFollowsPolicy(t *testing.T) {
	logger, _ := bufferLogger()
	enabled, limit := true, 2

	rl := NewRateLimiter(func() (bool, int) { return enabled, limit }, func(r *http.Request) string {
		return ClientIP(r, false)
	}, logger)
	h := rl.Handler(okHandler)

	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1:2").Code)
	rec := request(h, "10.0.0.1:3")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"success":false`)

	// Other clients have their own bucket
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.2:1").Code)

	// Raising the limit rebuilds the bucket
	limit = 10
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1:4").Code)

	// Disabling bypasses limiting entirely
	enabled, limit = false, 1
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, request(h, "10.0.0.1:5").Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	logger, _ := bufferLogger()
	rl := NewRateLimiter(func() (bool, int) { return true, 100 }, func(r *http.Request) string {
		return ClientIP(r, false)
	}, logger)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return start }
	request(rl.Handler(okHandler), "10.0.0.1:1")

	rl.now = func() time.Time { return start.Add(10 * time.Minute) }
	request(rl.Handler(okHandler), "10.0.0.2:1")

	assert.Equal(t, 1, rl.Cleanup(5*time.Minute))
	require.Len(t, rl.limiters, 1)
}

func TestIPAllowlist(t *testing.T) {
	logger, _ := bufferLogger()
	var entries []string
	h := IPAllowlist(func() []string { return entries }, func(r *http.Request) string {
		return ClientIP(r, false)
	}, logger)(okHandler)

	assert.Equal(t, http.StatusOK, request(h, "203.0.113.9:1").Code)

	entries = []string{"10.0.0.0/8", "192.168.1.20"}
	assert.Equal(t, http.StatusOK, request(h, "10.20.30.40:1").Code)
	assert.Equal(t, http.StatusOK, request(h, "192.168.1.20:1").Code)
	assert.Equal(t, http.StatusForbidden, request(h, "192.168.1.21:1").Code)
	assert.Equal(t, http.StatusForbidden, request(h, "203.0.113.9:1").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://console.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/settings", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
