package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fastyrai/turingagents/pkg/metrics"
)

const defaultWriteTimeout = 5 * time.Second

// Pipeline decouples lifecycle writes from message disposition: operations
// are queued on a bounded buffer and drained by one goroutine. When the
// buffer is full the write is dropped and counted rather than blocking the
// caller. Pipeline itself implements Sink.
type Pipeline struct {
	sink Sink
	ops  chan func(context.Context)
	log  *logrus.Entry
	m    *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

type PipelineOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *logrus.Entry
}

func (o *PipelineOptions) setDefaults() {
	if o.BufferSize == 0 {
		o.BufferSize = 1024
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

func NewPipeline(sink Sink, opts PipelineOptions) *Pipeline {
	opts.setDefaults()
	p := &Pipeline{
		sink: sink,
		ops:  make(chan func(context.Context), opts.BufferSize),
		log:  opts.Logger,
		m:    metrics.Get(),
		done: make(chan struct{}),
	}
	go p.drain(opts.WriteTimeout)
	return p
}

func (p *Pipeline) drain(timeout time.Duration) {
	defer close(p.done)
	for op := range p.ops {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		op(ctx)
		cancel()
	}
}

func (p *Pipeline) enqueue(op func(context.Context)) {
	select {
	case p.ops <- op:
	default:
		p.m.AuditDropped.Inc()
		p.log.Warn("audit: pipeline buffer full, write dropped")
	}
}

func (p *Pipeline) UpsertMessage(_ context.Context, rec *MessageRecord) error {
	p.enqueue(func(ctx context.Context) {
		if err := p.sink.UpsertMessage(ctx, rec); err != nil {
			p.log.WithError(err).WithField("message_id", rec.MessageID).Warn("audit: upsert failed")
		}
	})
	return nil
}

func (p *Pipeline) RecordMessageEvent(_ context.Context, ev *MessageEvent) error {
	p.enqueue(func(ctx context.Context) {
		if err := p.sink.RecordMessageEvent(ctx, ev); err != nil {
			p.log.WithError(err).WithField("message_id", ev.MessageID).Warn("audit: event write failed")
		}
	})
	return nil
}

func (p *Pipeline) RecordDLQMessage(_ context.Context, entry *DLQMessage) error {
	p.enqueue(func(ctx context.Context) {
		if err := p.sink.RecordDLQMessage(ctx, entry); err != nil {
			p.log.WithError(err).WithField("org_id", entry.OrgID).Warn("audit: dlq write failed")
		}
	})
	return nil
}

// Close stops accepting writes and drains the buffer.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.ops)
	})
	<-p.done
}
