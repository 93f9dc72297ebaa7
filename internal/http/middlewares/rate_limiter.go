package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimiter allows limit requests per window per client IP. Requests that
// carry a wallet address also spend from that wallet's budget, so one wallet
// cannot spread load over many IPs and a new wallet header does not buy a
// fresh IP budget.
func RateLimiter(limit int, window time.Duration) echo.MiddlewareFunc {
	type bucket struct {
		count int
		start time.Time
	}

	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		swept   = time.Now()
	)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			keys := []string{"ip:" + c.RealIP()}
			if wallet := c.Request().Header.Get(WalletHeader); wallet != "" {
				keys = append(keys, "wallet:"+wallet)
			}

			mu.Lock()
			if now.Sub(swept) > window {
				for k, b := range buckets {
					if now.Sub(b.start) > window {
						delete(buckets, k)
					}
				}
				swept = now
			}

			hit := make([]*bucket, 0, len(keys))
			for _, key := range keys {
				b, ok := buckets[key]
				if !ok || now.Sub(b.start) > window {
					b = &bucket{start: now}
					buckets[key] = b
				}
				if b.count >= limit {
					mu.Unlock()
					return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
				}
				hit = append(hit, b)
			}
			for _, b := range hit {
				b.count++
			}
			mu.Unlock()

			return next(c)
		}
	}
}
