package console

import (
	"context"
	"log"
	"time"

	"github.com/cuts-ae/support/internal/session"
)

const cacheTimeout = 3 * time.Second

// seed restores the last-known-good snapshot before the first live read.
func (c *Console) seed(ctx context.Context) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	cached, savedAt, err := c.cache.Load(ctx, c.cfg.AgentID)
	if err != nil {
		log.Printf("[console] cache load: %v", err)
		return
	}
	if cached == nil {
		return
	}
	c.dir.ApplySnapshot(cached, c.dir.Seq())
	log.Printf("[console] seeded %d sessions from cache saved %s", len(cached), savedAt.Format(time.RFC3339))
}

// resync starts a snapshot read. Only the latest read may apply: a completion
// whose generation has been superseded is discarded. The read is tagged with
// the directory sequence at issue time so patches that arrive while it is in
// flight are not overwritten.
func (c *Console) resync() {
	c.stopRetry()
	c.fetchGen++
	gen := c.fetchGen
	readSeq := c.dir.Seq()
	ctx := c.ctx

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
		entries, err := c.src.Fetch(fctx, c.cfg.AgentID)
		cancel()
		if ctx.Err() != nil {
			return
		}
		c.loop.Post(func() {
			c.snapshotDone(gen, readSeq, entries, err)
			c.changed()
		})
	}()
}

func (c *Console) snapshotDone(gen, readSeq uint64, entries []session.Session, err error) {
	if gen != c.fetchGen {
		log.Printf("[console] discarding superseded snapshot gen=%d", gen)
		return
	}
	if err != nil {
		log.Printf("[console] snapshot read failed: %v", err)
		c.scheduleRetry(gen)
		return
	}

	c.backoff.Reset()
	c.dir.ApplySnapshot(entries, readSeq)
	c.ensureSelection()
	c.applied++

	q, a := c.dir.Counts()
	log.Printf("[console] snapshot #%d applied: queue=%d active=%d", c.applied, q, a)
	c.saveCache()
}

// scheduleRetry re-reads after a backoff delay, but only while connected:
// a reconnect triggers its own read.
func (c *Console) scheduleRetry(gen uint64) {
	if !c.connected {
		return
	}
	delay := c.backoff.Next()
	log.Printf("[console] retrying snapshot in %s", delay)
	c.retry = c.sched.AfterFunc(delay, func() {
		if gen == c.fetchGen && c.connected {
			c.resync()
		}
	})
}

func (c *Console) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// saveCache hands the directory to the cache writer. A list still waiting to
// be written is replaced, so the writer only ever saves the latest one.
func (c *Console) saveCache() {
	if c.cache == nil {
		return
	}
	select {
	case <-c.saves:
	default:
	}
	c.saves <- c.dir.Sessions()
}

// cacheWriter saves snapshots one at a time, in the order they were applied,
// until ctx is cancelled.
func (c *Console) cacheWriter(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sessions := <-c.saves:
			sctx, cancel := context.WithTimeout(ctx, cacheTimeout)
			if err := c.cache.Save(sctx, c.cfg.AgentID, sessions); err != nil {
				log.Printf("[console] cache save: %v", err)
			}
			cancel()
		}
	}
}
