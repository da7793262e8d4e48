package redisconn

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Conn holds the live Redis client behind an atomic pointer so the
// health loop can swap in a fresh connection without blocking readers.
type Conn struct {
	v atomic.Value // redis.UniversalClient
}

func newConn(initial redis.UniversalClient) *Conn {
	c := &Conn{}
	c.v.Store(initial)
	return c
}

// Client returns the current client. Callers must not retain it across
// requests; a reconnect may replace it at any time.
func (c *Conn) Client() redis.UniversalClient {
	cl, _ := c.v.Load().(redis.UniversalClient)
	return cl
}

func (c *Conn) replace(newCl redis.UniversalClient) (old redis.UniversalClient) {
	old, _ = c.v.Load().(redis.UniversalClient)
	c.v.Store(newCl)
	return old
}

func (c *Conn) Close() error {
	if cl := c.Client(); cl != nil {
		return cl.Close()
	}
	return nil
}
