// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// Persister periodically flushes write-buffering backends to their
// persistent companions.  One Persister serves the whole process; each
// mirrored backend registers itself as a Flusher.
type Persister struct {
	interval time.Duration
	flushers []Flusher

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// NewPersister returns a Persister that flushes every interval.
func NewPersister(interval time.Duration, flushers ...Flusher) *Persister {
	return &Persister{
		interval: interval,
		flushers: flushers,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush loop.  It returns immediately; use
// Stop to halt the loop and run a final flush.
func (p *Persister) Start() {
	if len(p.flushers) == 0 {
		close(p.done)
		return
	}
	go func() {
		defer close(p.done)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.flush()
			case <-p.stop:
				p.flush()
				return
			}
		}
	}()
}

// Stop halts the loop, runs one final flush, and waits for it to finish.
// Safe to call more than once.
func (p *Persister) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Persister) flush() {
	glog.V(1).Info("flushing caches to persistent storage")
	for _, f := range p.flushers {
		if err := f.Flush(); err != nil {
			glog.Errorf("error flushing cache to persistent storage: %v", err)
		}
	}
}
