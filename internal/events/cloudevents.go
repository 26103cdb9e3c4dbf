// Package events publishes manager lifecycle events as CloudEvents. Publish
// never blocks the manager: events are queued in a bounded buffer and sent
// by a single worker; when the buffer is full the oldest event is dropped.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"servd/internal/manager"
)

// TypePrefix prefixes the manager event name in the CloudEvents type.
const TypePrefix = "io.servd."

// Sender delivers one event. cloudevents.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, e cloudevents.Event) cloudevents.Result
}

// Data is the JSON payload of every event.
type Data struct {
	Servable string         `json:"servable,omitempty"`
	Version  int64          `json:"version,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Options tunes a Publisher.
type Options struct {
	Source      string
	BufferSize  int
	SendTimeout time.Duration
	Logger      *zerolog.Logger
}

// Publisher implements manager.EventPublisher.
type Publisher struct {
	sender  Sender
	source  string
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan cloudevents.Event
	done   chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ manager.EventPublisher = (*Publisher)(nil)

// NewHTTP returns a publisher posting binary-mode HTTP events to target.
func NewHTTP(target string, opts Options) (*Publisher, error) {
	c, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, err
	}
	return New(c, opts), nil
}

// New starts the delivery worker.
func New(s Sender, opts Options) *Publisher {
	if opts.Source == "" {
		opts.Source = "servd"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = opts.Logger.With().Str("component", "events").Logger()
	}
	p := &Publisher{
		sender:  s,
		source:  opts.Source,
		timeout: opts.SendTimeout,
		log:     l,
		ch:      make(chan cloudevents.Event, opts.BufferSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// ToCloudEvent converts a manager event.
func ToCloudEvent(source string, e manager.Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.New().String())
	ce.SetType(TypePrefix + e.Name)
	ce.SetSource(source)
	ce.SetTime(time.Now())
	if e.Servable != "" {
		ce.SetSubject(e.Servable)
	}
	err := ce.SetData(cloudevents.ApplicationJSON, Data{Servable: e.Servable, Version: e.Version, Fields: e.Fields})
	return ce, err
}

// Publish queues e. After Close it is a no-op.
func (p *Publisher) Publish(e manager.Event) {
	ce, err := ToCloudEvent(p.source, e)
	if err != nil {
		p.log.Warn().Err(err).Str("event", e.Name).Msg("encode event")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- ce:
		return
	default:
	}
	// Full: drop the oldest and retry once.
	select {
	case <-p.ch:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.ch <- ce:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ce := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		res := p.sender.Send(ctx, ce)
		cancel()
		if cloudevents.IsUndelivered(res) || !cloudevents.IsACK(res) {
			p.failed.Add(1)
			p.log.Warn().Err(res).Str("type", ce.Type()).Msg("event not delivered")
			continue
		}
		p.sent.Add(1)
	}
}

// Close stops accepting events and waits for queued ones to be sent, bounded
// by ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("events: pending events not delivered"), ctx.Err())
	}
}

// Stats reports delivery counters.
func (p *Publisher) Stats() (sent, dropped, failed uint64) {
	return p.sent.Load(), p.dropped.Load(), p.failed.Load()
}
