package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basislab/hedgecore/internal/chain"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

const (
	listenerBackoffMin = time.Second
	listenerBackoffMax = 60 * time.Second
)

// Listener turns on-chain vault events into engine triggers. It owns the
// subscription lifecycle: capped exponential reconnect, and a block-range
// replay after each reconnect so no deposit or pause is lost while the
// websocket was down.
type Listener struct {
	chain *chain.Adapter
	vault common.Address
	queue *Queue
	log   *slog.Logger

	lastBlock uint64
}

func NewListener(chainAdapter *chain.Adapter, vault common.Address, queue *Queue, log *slog.Logger) *Listener {
	return &Listener{chain: chainAdapter, vault: vault, queue: queue, log: log}
}

func (l *Listener) Run(ctx context.Context) {
	backoff := listenerBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := l.chain.SubscribeVaultEvents(ctx, l.vault)
		if err != nil {
			l.log.Warn("vault event subscribe failed", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, listenerBackoffMax)
			continue
		}
		backoff = listenerBackoffMin
		l.log.Info("vault event stream connected")

		l.replayMissed(ctx)

		if !l.consume(ctx, sub) {
			return
		}
	}
}

// consume pumps one subscription until it dies. Returns false on ctx cancel.
func (l *Listener) consume(ctx context.Context, sub *chain.Subscription) bool {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-sub.Errs:
			l.log.Warn("vault event stream lost", "error", err)
			return true
		case ev, ok := <-sub.Events:
			if !ok {
				return true
			}
			l.handle(ev)
		}
	}
}

func (l *Listener) handle(ev model.VaultEvent) {
	if ev.Block > l.lastBlock {
		l.lastBlock = ev.Block
	}
	l.queue.Push(model.TriggerMsg{
		Kind:   model.TriggerEvent,
		Reason: fmt.Sprintf("vault %s (block %d)", ev.Kind, ev.Block),
		TS:     ev.TS,
	})
}

// replayMissed backfills the gap since the last event seen. Replayed events
// coalesce into at most one cycle through the queue debounce.
func (l *Listener) replayMissed(ctx context.Context) {
	head, err := l.chain.BlockNumber(ctx)
	if err != nil {
		l.log.Warn("head lookup for replay failed", "error", err)
		return
	}
	if l.lastBlock == 0 {
		// First connect: nothing to backfill, just anchor.
		l.lastBlock = head
		return
	}
	if head <= l.lastBlock {
		return
	}

	events, err := l.chain.ReplayVaultEvents(ctx, l.vault, l.lastBlock+1, head)
	if err != nil {
		l.log.Warn("event replay failed", "from", l.lastBlock+1, "to", head, "error", err)
		return
	}
	if len(events) > 0 {
		l.log.Info("replayed missed vault events", "count", len(events), "from", l.lastBlock+1, "to", head)
	}
	for _, ev := range events {
		l.handle(ev)
	}
	l.lastBlock = head
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
