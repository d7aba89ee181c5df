package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_NextIsStrictlyIncreasing(t *testing.T) {
	wall := newWall(1000)
	c := wall.clock()

	a := c.Next(0)
	b := c.Next(0)
	assert.EqualValues(t, 1000, a)
	assert.EqualValues(t, 1001, b, "same millisecond still advances")

	assert.EqualValues(t, 5001, c.Next(5000), "never at or below the existing stamp")
}

func TestClock_NowCoversIssuedStamps(t *testing.T) {
	wall := newWall(1000)
	c := wall.clock()

	stamp := c.Next(2000)
	assert.EqualValues(t, 2001, stamp)
	assert.EqualValues(t, 2001, c.Now(), "pull timestamp covers the write")
	assert.Greater(t, c.Next(0), stamp)

	wall.set(900)
	assert.GreaterOrEqual(t, c.Now(), stamp, "wall clock going back does not move Now back")
}

func TestClock_ObserveRaisesStamps(t *testing.T) {
	wall := newWall(1000)
	c := wall.clock()

	c.Observe(5000)
	assert.EqualValues(t, 5000, c.Now())
	assert.EqualValues(t, 5001, c.Next(0))

	c.Observe(10)
	assert.EqualValues(t, 5002, c.Next(0), "a lower stamp is ignored")
}
