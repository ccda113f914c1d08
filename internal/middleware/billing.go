package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/billing"
	"github.com/kelpejol/scoring-gateway/internal/metrics"
	"github.com/kelpejol/scoring-gateway/internal/ratelimit"
	"github.com/kelpejol/scoring-gateway/internal/store"
)

// Biller implements the billing stage state machine of §4.8.
type Biller struct {
	svc            *billing.Service
	limiter        *ratelimit.Service
	billedPrefixes []string
}

// NewBiller wires the billing stage. limiter may be nil; when set, a
// successful debit invalidates that principal's cached window counts so
// the next request in the same window observes the incremented usage
// immediately rather than waiting out the cache TTL.
func NewBiller(svc *billing.Service, limiter *ratelimit.Service, billedPrefixes []string) *Biller {
	return &Biller{svc: svc, limiter: limiter, billedPrefixes: billedPrefixes}
}

// capturingWriter buffers the handler's response instead of flushing it
// immediately, because the billing headers (§6.2) can only be computed
// after the debit that happens once the handler has already finished —
// by which point a normal ResponseWriter would have committed its headers.
type capturingWriter struct {
	header      http.Header
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func newCapturingWriter() *capturingWriter {
	return &capturingWriter{header: http.Header{}, status: http.StatusOK}
}

func (c *capturingWriter) Header() http.Header { return c.header }

func (c *capturingWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	return c.buf.Write(b)
}

// flush copies the buffered response to w, after the caller has had a
// chance to add any extra headers.
func (c *capturingWriter) flush(w http.ResponseWriter) {
	for k, vs := range c.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(c.status)
	_, _ = w.Write(c.buf.Bytes())
}

// Middleware implements §4.8. The request body is read once up front and
// replaced so the downstream handler can read it again — the "double-read"
// design note — and the final debit only happens for a 2xx response, after
// the handler has already run, per the ordering invariant in §4.8/§5.
//
// Cancellation: the debit runs on a context detached from the request's
// cancellation, so a client that disconnects after the handler returned a
// 2xx is still charged for that response.
func (b *Biller) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasPrefix(r.URL.Path, b.billedPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := RequirePrincipal(r)
			if !ok {
				writeError(w, apierr.Unauthenticated("authentication required"))
				return
			}

			var bodyBytes []byte
			if r.Body != nil {
				bodyBytes, _ = io.ReadAll(r.Body)
				r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}

			cost := b.svc.ComputeCost(r.URL.Path, bodyBytes)

			sufficient, err := b.svc.CheckSufficient(r.Context(), principal.UserID, cost)
			if err != nil {
				writeError(w, apierr.As(err))
				return
			}
			if !sufficient {
				metrics.InsufficientBalanceTotal.WithLabelValues(r.URL.Path).Inc()
				writeError(w, apierr.PaymentRequired("insufficient balance"))
				return
			}

			start := time.Now()
			capture := newCapturingWriter()
			next.ServeHTTP(capture, r)
			elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
			metrics.RequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())

			meta := store.UsageMeta{
				RequestSize:      len(bodyBytes),
				ResponseSize:     capture.buf.Len(),
				ProcessingTimeMs: elapsedMs,
			}

			if capture.status < 200 || capture.status >= 300 {
				b.svc.RecordFailure(r.Context(), principal.UserID, principal.APIKeyID, r.URL.Path, meta,
					fmt.Sprintf("HTTP %d", capture.status))
				metrics.RequestsTotal.WithLabelValues(r.URL.Path, "failure").Inc()
				capture.flush(w)
				return
			}

			debitCtx := context.WithoutCancel(r.Context())
			if err := b.svc.Consume(debitCtx, principal.UserID, principal.APIKeyID, r.URL.Path, cost, meta); err != nil {
				// The handler already finished producing its 2xx body; the lost
				// balance race is recorded as a failed usage row and surfaced as
				// a 402 instead of the 2xx the handler computed, per §4.10.
				b.svc.RecordFailure(r.Context(), principal.UserID, principal.APIKeyID, r.URL.Path, meta, err.Error())
				metrics.RequestsTotal.WithLabelValues(r.URL.Path, "failure").Inc()
				writeError(w, apierr.As(err))
				return
			}

			if b.limiter != nil {
				b.limiter.Invalidate(r.Context(), principal.UserID, principal.APIKeyID)
			}

			balance, _ := b.svc.Balance(r.Context(), principal.UserID)
			capture.header.Set("X-Tokens-Consumed", fmt.Sprintf("%g", cost))
			capture.header.Set("X-Remaining-Balance", fmt.Sprintf("%g", balance))
			capture.header.Set("X-Processing-Time-Ms", fmt.Sprintf("%g", elapsedMs))
			metrics.RequestsTotal.WithLabelValues(r.URL.Path, "success").Inc()
			metrics.TokensConsumedTotal.WithLabelValues(r.URL.Path).Add(cost)
			capture.flush(w)
		})
	}
}
