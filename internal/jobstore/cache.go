package jobstore

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached is a read-through cache in front of a Store.  GetJob is the hot
// path — the controller's status polls and the gateway's connect-time lookup
// both hit it —
// so snapshots of recently touched jobs are kept in a bounded LRU and
// invalidated on every write.  All other methods pass through.
type Cached struct {
	Store
	jobs *lru.Cache[string, Job]
}

// NewCached wraps st with an LRU of the given size.
func NewCached(st Store, size int) (*Cached, error) {
	c, err := lru.New[string, Job](size)
	if err != nil {
		return nil, err
	}
	return &Cached{Store: st, jobs: c}, nil
}

func (c *Cached) GetJob(ctx context.Context, id string) (*Job, error) {
	if job, ok := c.jobs.Get(id); ok {
		snap := job
		return &snap, nil
	}
	job, err := c.Store.GetJob(ctx, id)
	if err != nil || job == nil {
		return job, err
	}
	c.jobs.Add(id, *job)
	return job, nil
}

func (c *Cached) UpdateJob(ctx context.Context, id string, patch Patch) (*Job, error) {
	job, err := c.Store.UpdateJob(ctx, id, patch)
	if err != nil {
		// The write may have partially observed state we no longer trust.
		c.jobs.Remove(id)
		return nil, err
	}
	c.jobs.Add(id, *job)
	return job, nil
}

func (c *Cached) ClearOutput(ctx context.Context, id string) error {
	c.jobs.Remove(id)
	return c.Store.ClearOutput(ctx, id)
}

func (c *Cached) TombstoneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.Store.TombstoneExpired(ctx, cutoff)
	if n > 0 {
		c.jobs.Purge()
	}
	return n, err
}
