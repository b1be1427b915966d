package dht

import (
	"github.com/sirupsen/logrus"
)

// refreshLoop periodically refreshes buckets whose entries have gone
// stale. Errors in one iteration never stop the loop.
func (d *DHT) refreshLoop() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(d.config.BucketRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance("refresh", d.RefreshBuckets)
		}
	}
}

// republishLoop periodically re-stores every locally held value that has
// not expired, and drops those that have.
func (d *DHT) republishLoop() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(d.config.RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance("republish", d.republishValues)
		}
	}
}

// pendingExpiryLoop fails request waiters that have outlived the ping
// timeout so no waiter blocks forever on a silent peer.
func (d *DHT) pendingExpiryLoop() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(d.config.PingTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance("pending expiry", d.expirePendingRequests)
		}
	}
}

// runMaintenance executes one maintenance step, containing panics so a
// failed iteration cannot terminate its loop.
func (d *DHT) runMaintenance(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runMaintenance",
				"task":     name,
				"panic":    r,
			}).Error("Maintenance iteration failed")
		}
	}()
	fn()
}

// republishValues re-issues a store for every live value and removes
// expired ones.
func (d *DHT) republishValues() {
	now := d.clk.Now()

	d.mu.Lock()
	live := make(map[string][]byte)
	for key, sv := range d.store {
		if now.Sub(sv.storedAt) >= d.config.ExpireInterval {
			delete(d.store, key)
			continue
		}
		live[key] = sv.data
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "republishValues",
		"values":   len(live),
	}).Debug("Republishing stored values")

	for key, value := range live {
		d.Store(key, value)
	}
}

// expirePendingRequests completes waiters older than the ping timeout
// with a timeout error. Completion is exactly-once, so racing with the
// waiter's own timer is harmless.
func (d *DHT) expirePendingRequests() {
	now := d.clk.Now()

	d.mu.RLock()
	var expired []*pendingRequest
	for _, pr := range d.pending {
		if now.Sub(pr.sentAt) > d.config.PingTimeout {
			expired = append(expired, pr)
		}
	}
	d.mu.RUnlock()

	for _, pr := range expired {
		pr.complete(nil, ErrTimeout)
	}

	if len(expired) > 0 {
		d.countOp(func(s *Stats) { s.RequestsTimedOut += uint64(len(expired)) })
	}
}
