package coordinator

import (
	"sync"
	"time"

	"github.com/ThorbenD/htlc-relay/domain"
)

// missCache remembers secrets that matched no escrow, so a lock observed
// shortly afterwards can still be forwarded. Workers may process a lock after
// the reveal that opens it, and a lagging watcher can deliver a lock late.
type missCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	byKey map[string]*missedReveal
	order []*missedReveal
}

type missedReveal struct {
	ledger   domain.LedgerID
	secret   domain.Secret
	variants []domain.HashVariant
	at       time.Time
}

func newMissCache(ttl time.Duration, max int) *missCache {
	return &missCache{ttl: ttl, max: max, byKey: make(map[string]*missedReveal)}
}

func (m *missCache) add(r *missedReveal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(r.at)
	for len(m.order) >= m.max {
		m.drop(m.order[0])
		m.order = m.order[1:]
	}
	m.order = append(m.order, r)
	for _, v := range r.variants {
		m.byKey[v.Key()] = r
	}
}

// take removes and returns the reveal whose secret opens the hashlock key.
func (m *missCache) take(key string, now time.Time) *missedReveal {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(now)
	r, ok := m.byKey[key]
	if !ok {
		return nil
	}
	m.drop(r)
	return r
}

func (m *missCache) evict(now time.Time) {
	i := 0
	for ; i < len(m.order) && now.Sub(m.order[i].at) > m.ttl; i++ {
		m.drop(m.order[i])
	}
	m.order = m.order[i:]
}

func (m *missCache) drop(r *missedReveal) {
	for _, v := range r.variants {
		if m.byKey[v.Key()] == r {
			delete(m.byKey, v.Key())
		}
	}
}
