package stage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// progressWriter persists one progress value; the wizard manager
// satisfies it.
type progressWriter func(ctx context.Context, progress int, metadata map[string]any) error

// reporter bounds progress writes: one per progressEvery items, one on
// the final item, and one whenever the configured interval has elapsed
// since the last write. Everything else stays in memory.
type reporter struct {
	total    int
	every    int
	interval time.Duration
	write    progressWriter
	now      func() time.Time
	last     time.Time
}

func newReporter(total, every int, interval time.Duration, write progressWriter) *reporter {
	if every <= 0 {
		every = 1
	}
	r := &reporter{
		total:    total,
		every:    every,
		interval: interval,
		write:    write,
		now:      time.Now,
	}
	r.last = r.now()
	return r
}

// tick records that item index (1-based) is done. The persisted value
// is a 0..100 percentage, never the raw index. Write failures are
// logged and swallowed; progress is advisory.
func (r *reporter) tick(ctx context.Context, index int, metadata map[string]any) {
	due := index%r.every == 0 ||
		index == r.total ||
		r.now().Sub(r.last) >= r.interval

	if !due {
		return
	}
	pct := percent(index, r.total)
	if err := r.write(ctx, pct, metadata); err != nil {
		zap.L().Warn("progress write failed", zap.Int("progress", pct), zap.Error(err))
	}
	r.last = r.now()
}

func percent(index, total int) int {
	if total <= 0 {
		return 100
	}
	return index * 100 / total
}
