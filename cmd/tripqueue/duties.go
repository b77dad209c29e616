package main

import (
	"context"
	"log"
	"sync"

	"github.com/djlord-it/tripqueue/internal/processor"
	"github.com/djlord-it/tripqueue/internal/reconciler"
)

// leaderDuties runs the processor, and the reconciler when enabled, while
// this instance holds the lock. A processor cannot be restarted after it
// stops, so every term gets a fresh one.
type leaderDuties struct {
	newProcessor func() *processor.Processor
	reconciler   *reconciler.Reconciler // optional

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start begins leader duties. It returns immediately and is a no-op when
// duties are already running or ctx is already done.
func (d *leaderDuties) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The elector cancels ctx before demoting; a late Start must not revive duties.
	if d.cancel != nil || ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	p := d.newProcessor()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		p.Run(ctx)
	}()

	if d.reconciler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciler.Run(ctx)
		}()
	}
	log.Println("tripqueue: leader duties started")
}

// Stop cancels leader duties and blocks until they have exited. Idempotent.
func (d *leaderDuties) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	log.Println("tripqueue: leader duties stopped")
}
