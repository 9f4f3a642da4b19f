package courier

import (
	"sync/atomic"
	"time"
)

// Deadlines and resend budgets are computed on a monotonic millisecond
// clock anchored at process start, so a wall-clock jump can never fire a
// timeout early or park a resend forever.
var clockBase = time.Now()

// nowMS returns monotonic milliseconds since process start.
func nowMS() int64 {
	return time.Since(clockBase).Milliseconds()
}

// coarseNowMS is a cached monotonic timestamp updated every 100ms by a
// background goroutine. Used in place of nowMS() on ultra-hot paths (e.g.
// per-frame read-deadline refresh in the TCP network) to avoid a clock
// read per message.
var coarseNowMS atomic.Int64

func init() {
	coarseNowMS.Store(nowMS())
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		for range ticker.C {
			coarseNowMS.Store(nowMS())
		}
	}()
}
