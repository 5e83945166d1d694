package cache

import "time"

// sweepLoop proactively removes expired entries every SweepInterval
// (spec.md §4.3: "proactively by a periodic sweeper (every 5 minutes)"),
// in addition to the lazy eviction performed on Get.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	for _, k := range c.expiredLocalKeys() {
		c.evictLocal(k)
	}
	now := nowFunc()
	for _, k := range c.sharedKeys() {
		if e, ok := c.readShared(k); ok && e.expired(now) {
			c.deleteShared(k)
		}
	}
}
