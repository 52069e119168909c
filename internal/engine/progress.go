package engine

import (
	"time"

	"github.com/datallboy/songq/internal/domain"
	"golang.org/x/time/rate"
)

// progressTracker turns received byte counts into a percentage.
// With a known size the percentage follows the bytes; without one it creeps
// by one per chunk and stops at 99, leaving 100 for real completion.
type progressTracker struct {
	size     int64
	received int64
	percent  int
}

func newProgressTracker(size int64) *progressTracker {
	if size < 0 {
		size = 0
	}
	return &progressTracker{size: size}
}

func (p *progressTracker) advance(n int) domain.Progress {
	p.received += int64(n)

	if p.size > 0 {
		pct := int(p.received * 100 / p.size)
		if pct > 100 {
			pct = 100
		}
		if pct > p.percent {
			p.percent = pct
		}
	} else if p.percent < 99 {
		p.percent++
	}

	return domain.Progress{
		Percent:       p.percent,
		BytesReceived: p.received,
		ByteSize:      p.size,
	}
}

// coalescer lets one progress report through per interval and holds the
// latest suppressed one so it can be flushed at the end of the stream.
type coalescer struct {
	limiter *rate.Limiter
	now     func() time.Time
	held    *domain.Progress
}

func newCoalescer(interval time.Duration, now func() time.Time) *coalescer {
	if now == nil {
		now = time.Now
	}
	return &coalescer{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     now,
	}
}

// offer returns the progress to report now, or false if it was held back.
func (c *coalescer) offer(p domain.Progress) (domain.Progress, bool) {
	if c.limiter.AllowN(c.now(), 1) {
		c.held = nil
		return p, true
	}
	c.held = &p
	return domain.Progress{}, false
}

// flush returns the last held value, if any.
func (c *coalescer) flush() (domain.Progress, bool) {
	if c.held == nil {
		return domain.Progress{}, false
	}
	p := *c.held
	c.held = nil
	return p, true
}
