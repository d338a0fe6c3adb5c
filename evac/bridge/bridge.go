// Package bridge exposes the simulation queue over NATS request/reply and
// publishes run events, so that external triggers can enqueue work and
// follow runs without sharing a process with the planner.
//
// Subjects, for a prefix p:
//
//	p.queue.add          request: queue.Request   reply: AddReply
//	p.queue.status       request: StatusRequest   reply: StatusReply
//	p.run.<id>.events    coordinator.Event, one message per event
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/coordinator"
	"github.com/evac-planner/evac-planner/evac/queue"
)

// AddSubject is the request subject for enqueueing.
func AddSubject(prefix string) string { return prefix + ".queue.add" }

// StatusSubject is the request subject for queue status.
func StatusSubject(prefix string) string { return prefix + ".queue.status" }

// EventsSubject is the subject a run's events are published on.
func EventsSubject(prefix, runID string) string { return prefix + ".run." + runID + ".events" }

// AddReply answers an enqueue request. Created is false when an active entry
// with the same signature already existed.
type AddReply struct {
	Entry   queue.Entry `json:"entry"`
	Created bool        `json:"created"`
	Error   string      `json:"error,omitempty"`
}

// StatusRequest asks for one entry by ID, or for the whole queue when ID is empty.
type StatusRequest struct {
	ID string `json:"id,omitempty"`
}

// StatusReply carries either Entry or Snapshot.
type StatusReply struct {
	Entry    *queue.Entry    `json:"entry,omitempty"`
	Snapshot *queue.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Connect dials the NATS server described by cfg.
func Connect(cfg evac.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			logrus.Warnf("bridge: disconnected from NATS: %v", err)
		}
	})
	nc.SetReconnectHandler(func(c *nats.Conn) {
		logrus.Infof("bridge: reconnected to %s", c.ConnectedUrl())
	})
	return nc, nil
}

// Server answers queue requests.
type Server struct {
	queue   *queue.Queue
	prefix  string
	timeout time.Duration
}

// NewServer creates a Server. timeout bounds each queue operation.
func NewServer(q *queue.Queue, prefix string, timeout time.Duration) *Server {
	return &Server{queue: q, prefix: prefix, timeout: timeout}
}

// Subscribe registers the request handlers on nc. The returned
// subscriptions are owned by the caller.
func (s *Server) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	handlers := map[string]func(context.Context, []byte) any{
		AddSubject(s.prefix):    func(ctx context.Context, data []byte) any { return s.HandleAdd(ctx, data) },
		StatusSubject(s.prefix): func(ctx context.Context, data []byte) any { return s.HandleStatus(ctx, data) },
	}
	var subs []*nats.Subscription
	for subject, handle := range handlers {
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			ctx, cancel := s.context()
			defer cancel()
			reply, err := json.Marshal(handle(ctx, msg.Data))
			if err != nil {
				logrus.Errorf("bridge: encoding reply on %s: %v", msg.Subject, err)
				return
			}
			if err := msg.Respond(reply); err != nil {
				logrus.Warnf("bridge: replying on %s: %v", msg.Subject, err)
			}
		})
		if err != nil {
			for _, done := range subs {
				_ = done.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		logrus.Infof("bridge: listening on %s", subject)
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Server) context() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}

// HandleAdd decodes a queue.Request and adds it to the queue.
func (s *Server) HandleAdd(ctx context.Context, data []byte) AddReply {
	var req queue.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return AddReply{Error: fmt.Sprintf("decoding request: %v", err)}
	}
	if req.Source == "" {
		req.Source = "nats"
	}
	e, created, err := s.queue.Add(ctx, req)
	if err != nil {
		return AddReply{Error: err.Error()}
	}
	return AddReply{Entry: e, Created: created}
}

// HandleStatus decodes a StatusRequest. An empty body asks for the snapshot.
func (s *Server) HandleStatus(ctx context.Context, data []byte) StatusReply {
	var req StatusRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return StatusReply{Error: fmt.Sprintf("decoding request: %v", err)}
		}
	}
	if req.ID != "" {
		e, err := s.queue.Get(ctx, req.ID)
		if err != nil {
			return StatusReply{Error: err.Error()}
		}
		return StatusReply{Entry: &e}
	}
	snap, err := s.queue.Status(ctx)
	if err != nil {
		return StatusReply{Error: err.Error()}
	}
	return StatusReply{Snapshot: &snap}
}

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisher forwards coordinator events to NATS.
type EventPublisher struct {
	conn   Publisher
	prefix string
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(conn Publisher, prefix string) *EventPublisher {
	return &EventPublisher{conn: conn, prefix: prefix}
}

// Publish sends ev on its run's subject. Failures are logged, never
// returned: a lost event must not stall the run. Suitable for
// coordinator.WithEventHook.
func (p *EventPublisher) Publish(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logrus.Errorf("bridge: encoding %s event: %v", ev.Type, err)
		return
	}
	if err := p.conn.Publish(EventsSubject(p.prefix, ev.RunID), data); err != nil {
		logrus.Warnf("bridge: publishing %s for run %s: %v", ev.Type, ev.RunID, err)
	}
}
