package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThorbenD/htlc-relay/hashes"
)

func missed(t *testing.T, at time.Time) *missedReveal {
	t.Helper()
	s, err := hashes.NewSecret()
	require.NoError(t, err)
	return &missedReveal{ledger: "ln", secret: s, variants: hashes.DeriveVariants(s), at: at}
}

func TestMissCacheTakeByAnyVariant(t *testing.T) {
	now := time.Now()
	c := newMissCache(time.Minute, 8)
	r := missed(t, now)
	c.add(r)

	got := c.take(r.variants[1].Key(), now)
	require.NotNil(t, got)
	assert.Equal(t, r.secret, got.secret)

	// Taken reveals are gone under every key.
	for _, v := range r.variants {
		assert.Nil(t, c.take(v.Key(), now))
	}
}

func TestMissCacheExpires(t *testing.T) {
	now := time.Now()
	c := newMissCache(time.Minute, 8)
	r := missed(t, now)
	c.add(r)

	assert.Nil(t, c.take(r.variants[0].Key(), now.Add(2*time.Minute)))
	assert.Empty(t, c.order)
}

func TestMissCacheCapacity(t *testing.T) {
	now := time.Now()
	c := newMissCache(time.Hour, 2)
	first, second, third := missed(t, now), missed(t, now), missed(t, now)
	c.add(first)
	c.add(second)
	c.add(third)

	assert.Nil(t, c.take(first.variants[0].Key(), now))
	assert.NotNil(t, c.take(second.variants[0].Key(), now))
	assert.NotNil(t, c.take(third.variants[0].Key(), now))
	assert.Len(t, c.byKey, 0)
}
