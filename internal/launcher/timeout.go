package launcher

import (
	"sync"
	"time"

	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/timer"
)

// WithCaptureTimeout kills a browser that has not captured within d after
// each start. d <= 0 disables the timeout. A nil timer uses wall-clock time.
func WithCaptureTimeout(t timer.Timer, d time.Duration) Option {
	return func(l *Launcher) {
		if t == nil {
			t = timer.Real{}
		}
		l.timeout = &captureTimeout{timer: t, after: d}
	}
}

type captureTimeout struct {
	timer timer.Timer
	after time.Duration

	mu     sync.Mutex
	gen    uint64
	handle timer.Handle
}

func (ct *captureTimeout) attach(l *Launcher) {
	l.local.On(consts.EventStart, func(...any) { ct.arm(l) })
	l.local.On(consts.EventCaptured, func(...any) { ct.cancel() })
	l.local.On(consts.EventKill, func(...any) { ct.cancel() })
	l.local.On(consts.EventDone, func(...any) { ct.cancel() })
}

func (ct *captureTimeout) arm(l *Launcher) {
	ct.cancel()
	if ct.after <= 0 {
		return
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	gen := ct.gen
	ct.handle = ct.timer.SetTimeout(func() {
		ct.mu.Lock()
		stale := gen != ct.gen
		if !stale {
			ct.handle = nil
		}
		ct.mu.Unlock()
		if !stale {
			l.captureTimedOut(ct.after)
		}
	}, ct.after)
}

func (ct *captureTimeout) cancel() {
	ct.mu.Lock()
	ct.gen++
	h := ct.handle
	ct.handle = nil
	ct.mu.Unlock()
	ct.timer.ClearTimeout(h)
}

// Personal.AI order the ending
