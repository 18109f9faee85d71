package docstore

import (
	"context"
	"runtime"
)

// respirationRate is how many items a long-running scan (index rebuild,
// schema migration, FindAndDelete over a large result set) processes
// before yielding the goroutine and re-checking ctx, so a single large
// operation never starves other goroutines sharing the process or ignores
// a caller's cancellation for longer than this (SPEC_FULL.md §5).
const respirationRate = 250

// pacer counts items processed and yields every respirationRate of them.
// Its zero value paces at the default rate.
type pacer struct {
	rate  int
	count int
}

func newPacer() *pacer {
	return &pacer{rate: respirationRate}
}

// step is called once per item. It returns ctx.Err() as soon as
// cancellation is observed, which callers must treat as "stop, the
// operation is incomplete" — any KV writes already issued for the current
// transaction are rolled back by the transaction machinery in store.go.
func (p *pacer) step(ctx context.Context) error {
	p.count++
	rate := p.rate
	if rate <= 0 {
		rate = respirationRate
	}
	if p.count%rate != 0 {
		return nil
	}
	runtime.Gosched()
	return ctx.Err()
}
