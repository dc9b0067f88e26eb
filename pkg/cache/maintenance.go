package cache

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/resource"
)

// maintenanceLoop drives periodic sweep and rebalance passes. Each pass
// runs on the shared worker pool so a slow sweep never blocks the tick.
func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.workers.Submit(func() {
				m.maintain(time.Now())
			}); err != nil {
				m.maintain(time.Now())
			}
		case <-m.stopCh:
			return
		}
	}
}

// pressureLoop watches pressure transitions from the resource monitor
// and sheds load the moment classification reaches critical, instead of
// waiting for the next maintenance tick.
func (m *Manager) pressureLoop() {
	defer m.wg.Done()

	for {
		select {
		case evt, ok := <-m.pressureSub.C():
			if !ok {
				return
			}
			payload, ok := evt.Payload.(events.PressureChangedPayload)
			if !ok || payload.Current != resource.LevelCritical.String() {
				continue
			}
			m.shed(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// shed is the critical-pressure reaction: the predictive tier holds
// purely speculative bytes and is dropped outright, then an immediate
// sweep and rebalance pass reclaims whatever expired or went cold.
func (m *Manager) shed(now time.Time) {
	dropped := m.predictive.removeIf(func(*Entry) bool { return true })
	removed := m.sweep(now)
	demoted := m.rebalance()
	m.sheds.Add(1)
	m.logger.Info("shed cache load under critical pressure",
		zap.Int("predictive_dropped", dropped),
		zap.Int("swept", removed),
		zap.Int("demoted", demoted))
}

// maintain runs one sweep plus rebalance pass.
func (m *Manager) maintain(now time.Time) {
	removed := m.sweep(now)
	demoted := m.rebalance()
	if removed > 0 || demoted > 0 {
		m.logger.Debug("maintenance pass",
			zap.Int("swept", removed),
			zap.Int("demoted", demoted))
	}
}

// sweep removes entries that expired or sat unaccessed past the
// inactivity window, from every tier, then prunes the pattern table the
// same way. Returns the number of entries removed.
func (m *Manager) sweep(now time.Time) int {
	removed := 0
	for _, st := range m.order {
		removed += st.removeIf(func(e *Entry) bool {
			if e.expired(now) {
				return true
			}
			last, ok := m.tracker.lastAccess(e.Key)
			if !ok {
				return true
			}
			return now.Sub(last) > m.cfg.InactivityWindow
		})
	}
	m.tracker.prune(now, m.cfg.InactivityWindow)
	m.swept.Add(int64(removed))
	return removed
}

// rebalance demotes the least-frequently-accessed fast entries to
// medium once the fast tier exceeds its capacity. Returns the number of
// entries demoted.
func (m *Manager) rebalance() int {
	over := m.fast.len() - m.cfg.FastCapacity
	if over <= 0 {
		return 0
	}

	keys := m.fast.keys()
	sort.Slice(keys, func(i, j int) bool {
		return m.tracker.frequency(keys[i]) < m.tracker.frequency(keys[j])
	})
	if over > len(keys) {
		over = len(keys)
	}

	demoted := 0
	for _, key := range keys[:over] {
		e, ok := m.fast.take(key)
		if !ok {
			continue
		}
		m.medium.put(m.newEntry(key, e.Data, TierMedium))
		m.demotions.Add(1)
		demoted++
	}
	if demoted > 0 {
		m.logger.Debug("demoted cold fast entries", zap.Int("count", demoted))
	}
	return demoted
}
