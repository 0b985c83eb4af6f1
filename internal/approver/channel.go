package approver

import (
	"context"
	"sync"

	"github.com/lemnk/sudoagent/internal/policy"
	"github.com/lemnk/sudoagent/pkg/types"
)

// Channel hands each request to an in-process resolver. Approve parks until
// Resolve is called with the same request id or the context ends. A second
// goroutine, a UI loop or a test drives Resolve.
type Channel struct {
	mu      sync.Mutex
	waiting map[string]chan Response
}

func NewChannel() *Channel {
	return &Channel{waiting: map[string]chan Response{}}
}

func (c *Channel) Approve(ctx context.Context, _ types.Context, _ policy.Result, requestID string) (Response, error) {
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.waiting[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, requestID)
		c.mu.Unlock()
	}()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Resolve delivers a verdict for a parked request. Returns false when no
// request with that id is waiting.
func (c *Channel) Resolve(requestID string, resp Response) bool {
	c.mu.Lock()
	ch, ok := c.waiting[requestID]
	delete(c.waiting, requestID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Pending lists the request ids currently parked.
func (c *Channel) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.waiting))
	for id := range c.waiting {
		ids = append(ids, id)
	}
	return ids
}
