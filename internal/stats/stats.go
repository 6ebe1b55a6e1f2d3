package stats

import "sync"

// Collector keeps the lightweight live counters behind the dashboard
// statistics endpoint. It deliberately stores aggregates only; per-call
// detail lives in the registry and the history store.
type Collector struct {
	mu     sync.Mutex
	active int
	total  int
	ended  int
	failed int
}

func NewCollector() *Collector { return &Collector{} }

// CallStarted records a newly created session.
func (c *Collector) CallStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
	c.total++
}

// CallFinished records a terminal transition.
func (c *Collector) CallFinished(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	if failed {
		c.failed++
	} else {
		c.ended++
	}
}

// Snapshot is the JSON shape served to the dashboard.
type Snapshot struct {
	ActiveCalls int `json:"activeCalls"`
	TotalCalls  int `json:"totalCalls"`
	SuccessRate int `json:"successRate"`
}

// Snapshot returns a consistent view of the counters. SuccessRate is the
// percentage of finished calls that ended normally; with nothing finished
// yet it reads 100.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := 100
	if finished := c.ended + c.failed; finished > 0 {
		rate = c.ended * 100 / finished
	}
	return Snapshot{
		ActiveCalls: c.active,
		TotalCalls:  c.total,
		SuccessRate: rate,
	}
}
