package engine

import (
	"context"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/logger"
)

const defaultDebounce = 3 * time.Second

// Queue funnels every cycle producer (timer, chain listener, sentinel) into
// one consumer. A burst of triggers inside the debounce window coalesces into
// a single cycle; a full queue drops the trigger rather than blocking the
// producer, the next timer tick covers the loss.
type Queue struct {
	ch       chan model.TriggerMsg
	debounce time.Duration
}

func NewQueue() *Queue {
	return &Queue{
		ch:       make(chan model.TriggerMsg, 64),
		debounce: defaultDebounce,
	}
}

// Push enqueues a trigger without blocking.
func (q *Queue) Push(msg model.TriggerMsg) {
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	select {
	case q.ch <- msg:
	default:
		logger.Warn("trigger queue full, dropping", "kind", string(msg.Kind), "reason", msg.Reason)
	}
}

// Run drains the queue until ctx cancels, invoking handle once per coalesced
// burst. The first trigger of a burst wins the reason slot.
func (q *Queue) Run(ctx context.Context, handle func(model.TriggerMsg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			timer := time.NewTimer(q.debounce)
			coalesced := 0
		drain:
			for {
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-q.ch:
					coalesced++
				case <-timer.C:
					break drain
				}
			}
			if coalesced > 0 {
				logger.Debug("coalesced triggers", "count", coalesced, "kind", string(msg.Kind))
			}
			handle(msg)
		}
	}
}
