package ratelimit

import (
	"testing"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(c clock.Clock) *Limiter {
	return New(c, time.Minute, map[models.Platform]int{
		models.PlatformWhatsApp:  20,
		models.PlatformInstagram: 2,
	}, 5)
}

func TestLimiter_CapPerPlatform(t *testing.T) {
	l := newLimiter(clock.NewFake(time.Unix(0, 0)))
	assert.Equal(t, 20, l.Cap(models.PlatformWhatsApp))
	assert.Equal(t, 2, l.Cap(models.PlatformInstagram))
	assert.Equal(t, 5, l.Cap(models.PlatformFacebook))
}

func TestLimiter_BlocksAtCapAndRecovers(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	l := newLimiter(c)
	key := "t1:instagram"

	assert.True(t, l.Available(key, models.PlatformInstagram))
	l.Record(key)
	c.Advance(10 * time.Second)
	assert.True(t, l.Available(key, models.PlatformInstagram))
	l.Record(key)
	assert.False(t, l.Available(key, models.PlatformInstagram))

	// first send leaves the window 60s after it happened
	c.Advance(50 * time.Second)
	assert.True(t, l.Available(key, models.PlatformInstagram))
	assert.Equal(t, 1, l.Usage(key))
}

func TestLimiter_NoDoubleCapAcrossBoundary(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	l := New(c, time.Minute, nil, 3)
	key := "t1:facebook"

	c.Advance(59 * time.Second)
	for i := 0; i < 3; i++ {
		require.True(t, l.Available(key, models.PlatformFacebook))
		l.Record(key)
	}
	c.Advance(2 * time.Second)
	assert.False(t, l.Available(key, models.PlatformFacebook), "a fixed window would have reset here")
}

func TestLimiter_SetCaps(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	l := newLimiter(c)
	key := "t1:whatsapp"

	l.Record(key)
	l.SetCaps(map[models.Platform]int{models.PlatformWhatsApp: 1})
	assert.False(t, l.Available(key, models.PlatformWhatsApp))
}

func TestLimiter_ExpiredLogIsReclaimed(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	l := newLimiter(c)
	key := "t1:whatsapp"

	l.Record(key)
	require.Len(t, l.logs, 1)

	// a reconnect inside the window keeps the history
	c.Advance(30 * time.Second)
	assert.Equal(t, 1, l.Usage(key))

	c.Advance(31 * time.Second)
	assert.Equal(t, 0, l.Usage(key))
	assert.Empty(t, l.logs)
}

func TestLimiter_SessionsAreIndependent(t *testing.T) {
	l := New(clock.NewFake(time.Unix(0, 0)), time.Minute, nil, 1)
	l.Record("a:whatsapp")
	assert.False(t, l.Available("a:whatsapp", models.PlatformWhatsApp))
	assert.True(t, l.Available("b:whatsapp", models.PlatformWhatsApp))
}
