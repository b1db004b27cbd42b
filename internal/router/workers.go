package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nforgeio/LillTek-sub012/internal/metrics"
)

// workerPool runs dispatch tasks on a fixed set of goroutines with two
// bands: priority tasks drain ahead of normal ones.
type workerPool struct {
	normal chan func()
	prio   chan func()
	logger *zap.Logger
	wg     sync.WaitGroup
}

func newWorkerPool(queueDepth int, logger *zap.Logger) *workerPool {
	return &workerPool{
		normal: make(chan func(), queueDepth),
		prio:   make(chan func(), queueDepth),
		logger: logger,
	}
}

func (p *workerPool) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

const (
	bandPriority = "priority"
	bandNormal   = "normal"
)

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Drain the priority band before taking normal work.
		select {
		case task := <-p.prio:
			p.run(task, bandPriority)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case task := <-p.prio:
			p.run(task, bandPriority)
		case task := <-p.normal:
			p.run(task, bandNormal)
		}
	}
}

func (p *workerPool) run(task func(), band string) {
	metrics.QueueDepth.WithLabelValues(band).Dec()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Execute enqueues one task, blocking when the band is full.
func (p *workerPool) Execute(task func(), priority bool) {
	if priority {
		metrics.QueueDepth.WithLabelValues(bandPriority).Inc()
		p.prio <- task
		return
	}
	metrics.QueueDepth.WithLabelValues(bandNormal).Inc()
	p.normal <- task
}

func (p *workerPool) wait() {
	p.wg.Wait()
}
