// Package relay forwards order events between API instances so that a
// subscriber connected to one instance sees mutations accepted by another.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/metrics"
	"github.com/tabletrack/api/internal/ws"
)

const queueSize = 256

// ErrQueueFull is logged when the outbound relay queue overflows.
var ErrQueueFull = errors.New("relay queue full")

// Envelope is the wire format shared by every transport.
type Envelope struct {
	Origin string   `json:"origin"`
	Event  ws.Event `json:"event"`
}

// Transport moves opaque envelopes between instances.
type Transport interface {
	// Publish sends one message to every instance, this one included.
	Publish(ctx context.Context, body []byte) error
	// Subscribe delivers incoming messages to handle until ctx is done,
	// reconnecting on failure.
	Subscribe(ctx context.Context, handle func(body []byte)) error
	Close() error
}

// Local is the in-process delivery target, normally *ws.Hub.
type Local interface {
	Publish(evt ws.Event) error
}

// Fanout delivers events locally and relays them to other instances.
// It satisfies the order service's Notifier.
type Fanout struct {
	local     Local
	transport Transport
	origin    string
	queue     chan ws.Event
	log       logrus.FieldLogger

	closeOnce sync.Once
	done      chan struct{}
}

// NewFanout creates a Fanout identified by origin.
func NewFanout(local Local, transport Transport, origin string, log logrus.FieldLogger) *Fanout {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fanout{
		local:     local,
		transport: transport,
		origin:    origin,
		queue:     make(chan ws.Event, queueSize),
		log:       log.WithFields(logrus.Fields{"component": "relay", "origin": origin}),
		done:      make(chan struct{}),
	}
}

// Publish hands evt to local subscribers and queues it for the relay.
// Neither step blocks; only the local result is returned.
func (f *Fanout) Publish(evt ws.Event) error {
	select {
	case f.queue <- evt:
	default:
		metrics.RecordEventDropped("relay_out")
		f.log.WithError(ErrQueueFull).WithField("order_id", evt.OrderID).Warn("relay event dropped")
	}
	return f.local.Publish(evt)
}

// Run starts the subscriber and the ordered outbound worker. It blocks until
// ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	defer close(f.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.transport.Subscribe(ctx, f.receive); err != nil && !errors.Is(err, context.Canceled) {
			f.log.WithError(err).Error("relay subscriber stopped")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case evt := <-f.queue:
			f.send(ctx, evt)
		}
	}
}

// Close stops the transport. Call after the Run context is cancelled.
func (f *Fanout) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.transport.Close()
	})
	return err
}

func (f *Fanout) send(ctx context.Context, evt ws.Event) {
	body, err := json.Marshal(Envelope{Origin: f.origin, Event: evt})
	if err != nil {
		f.log.WithError(err).Error("marshal relay envelope")
		return
	}
	if err := f.transport.Publish(ctx, body); err != nil {
		metrics.RecordRelay("out", "error")
		metrics.RecordEventDropped("relay_out")
		f.log.WithError(err).WithField("order_id", evt.OrderID).Warn("relay publish failed")
		return
	}
	metrics.RecordRelay("out", "ok")
}

func (f *Fanout) receive(body []byte) {
	env, err := decode(body)
	if err != nil {
		metrics.RecordRelay("in", "invalid")
		f.log.WithError(err).Warn("discarding relay message")
		return
	}
	if env.Origin == f.origin {
		metrics.RecordRelay("in", "echo")
		return
	}
	if err := f.local.Publish(env.Event); err != nil {
		metrics.RecordRelay("in", "error")
		metrics.RecordEventDropped("relay_in")
		f.log.WithError(err).WithField("order_id", env.Event.OrderID).Warn("relayed event not delivered")
		return
	}
	metrics.RecordRelay("in", "ok")
}

func decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == "" || env.Event.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing origin or event type")
	}
	return env, nil
}
