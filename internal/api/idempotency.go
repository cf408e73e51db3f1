package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Idempotency-Key replay. A POST carrying the header returns the stored
// response of the first call verbatim, plus X-Idempotent-Replay: true. Keys
// are scoped per route so the same key on different endpoints never collides,
// and entries expire so the cache cannot grow without bound.

const idempotencyTTL = 24 * time.Hour

type storedResponse struct {
	status      int
	contentType string
	body        []byte
	savedAt     time.Time
}

type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]storedResponse
	now     func() time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]storedResponse), now: time.Now}
}

// bodyRecorder tees the response so a successful first call can be replayed.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware replays stored responses for repeated Idempotency-Key headers.
func (ic *idempotencyCache) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}
		cacheKey := c.FullPath() + "\x00" + key

		ic.mu.Lock()
		stored, ok := ic.entries[cacheKey]
		if ok && ic.now().Sub(stored.savedAt) > idempotencyTTL {
			delete(ic.entries, cacheKey)
			ok = false
		}
		ic.mu.Unlock()

		if ok {
			c.Header("X-Idempotent-Replay", "true")
			c.Data(stored.status, stored.contentType, stored.body)
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		// Only settled outcomes replay; a rate-limited or failed-over call
		// may legitimately be retried.
		status := c.Writer.Status()
		if status >= 500 || status == http.StatusTooManyRequests {
			return
		}
		ic.mu.Lock()
		ic.entries[cacheKey] = storedResponse{
			status:      status,
			contentType: c.Writer.Header().Get("Content-Type"),
			body:        rec.buf.Bytes(),
			savedAt:     ic.now(),
		}
		ic.mu.Unlock()
	}
}
