package clock

import (
	"sync/atomic"

	"spankv/pkg/types"
)

// Watermark tracks the highest commit timestamp applied so far.
type Watermark struct {
	atomic.Uint64
}

func NewWatermark(init types.Timestamp) *Watermark {
	var w Watermark
	w.Store(uint64(init))
	return &w
}

func (w *Watermark) Val() types.Timestamp {
	return types.Timestamp(w.Load())
}

// Observe raises the watermark to ts if ts is newer.
func (w *Watermark) Observe(ts types.Timestamp) {
	for {
		cur := w.Load()
		if uint64(ts) <= cur || w.CompareAndSwap(cur, uint64(ts)) {
			return
		}
	}
}
