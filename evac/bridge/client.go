package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/evac-planner/evac-planner/evac/queue"
)

// Requester is the subset of *nats.Conn used by TriggerClient.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// TriggerClient is the producer side of the bridge.
type TriggerClient struct {
	conn    Requester
	prefix  string
	timeout time.Duration
}

// NewTriggerClient creates a TriggerClient. timeout bounds each request
// when the caller's context has no earlier deadline; 0 disables it.
func NewTriggerClient(conn Requester, prefix string, timeout time.Duration) *TriggerClient {
	return &TriggerClient{conn: conn, prefix: prefix, timeout: timeout}
}

// Enqueue submits req and returns the entry that now represents it.
func (c *TriggerClient) Enqueue(ctx context.Context, req queue.Request) (AddReply, error) {
	var reply AddReply
	if err := c.request(ctx, AddSubject(c.prefix), req, &reply); err != nil {
		return AddReply{}, err
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("enqueue rejected: %s", reply.Error)
	}
	return reply, nil
}

// Status returns one entry when id is set, otherwise the queue snapshot.
func (c *TriggerClient) Status(ctx context.Context, id string) (StatusReply, error) {
	var reply StatusReply
	if err := c.request(ctx, StatusSubject(c.prefix), StatusRequest{ID: id}, &reply); err != nil {
		return StatusReply{}, err
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("status: %s", reply.Error)
	}
	return reply, nil
}

func (c *TriggerClient) request(ctx context.Context, subject string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no planner is serving %s: %w", subject, err)
		}
		return fmt.Errorf("request on %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	return nil
}
