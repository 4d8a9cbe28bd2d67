package devices

import "time"

// SystemClock is the production Clock, backed by the wall clock.
type SystemClock struct{}

func (SystemClock) NowUnixMs() int64 {
	return time.Now().UnixMilli()
}

// fakeClock is a test double letting uptime/downtime math be asserted
// exactly instead of racing real elapsed time.
type fakeClock struct {
	now int64
}

func (c *fakeClock) NowUnixMs() int64 {
	return c.now
}

func (c *fakeClock) advance(ms int64) {
	c.now += ms
}
