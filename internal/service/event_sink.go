package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/metrics"
	"github.com/alanyoungcy/bidround/internal/notify"
)

// Event channels. Every event goes to ChannelRounds and to the per-round
// channel returned by RoundChannel; StreamRounds keeps a durable copy.
const (
	ChannelRounds = "rounds"
	StreamRounds  = "stream:rounds"
)

const (
	sinkTimeout       = 5 * time.Second
	notifyQueueSize   = 256
	sinkBus           = "bus"
	sinkStream        = "stream"
	sinkAudit         = "audit"
	sinkNotify        = "notify"
	sinkNotifyDropped = "notify_dropped"
)

// RoundChannel is the pub/sub channel carrying the events of one round.
func RoundChannel(roundID string) string {
	return ChannelRounds + ":" + roundID
}

// Publisher fans a payload out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EventSink receives settlement events after commit and fans them out to
// the signal bus, the audit log and the notifiers. Every sink is best
// effort: a failure is logged and counted, never returned to the caller.
type EventSink struct {
	bus      domain.SignalBus
	local    Publisher
	audit    domain.AuditStore
	notifier *notify.Notifier
	metrics  *metrics.SettlementMetrics
	logger   *slog.Logger
	queue    chan domain.Event
}

// SinkDeps lists the optional outputs of an EventSink. Nil fields are
// skipped.
type SinkDeps struct {
	// Bus publishes across processes and appends to the durable stream.
	Bus domain.SignalBus
	// Local publishes to in-process subscribers. It is used when no Bus is
	// configured.
	Local    Publisher
	Audit    domain.AuditStore
	Notifier *notify.Notifier
}

// NewEventSink creates an EventSink. Call Run to drain notifications.
func NewEventSink(deps SinkDeps, logger *slog.Logger) *EventSink {
	return &EventSink{
		bus:      deps.Bus,
		local:    deps.Local,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		metrics:  metrics.Settlement(),
		logger:   logger,
		queue:    make(chan domain.Event, notifyQueueSize),
	}
}

// Emit implements settlement.Emitter. Publishing and auditing happen before
// Emit returns; notifications are queued for Run.
func (s *EventSink) Emit(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		s.fail(ctx, sinkBus, ev, err)
		return
	}
	s.publish(ctx, ev, payload)

	if s.audit != nil {
		if err := s.audit.Log(ctx, string(ev.Type), ev.Detail()); err != nil {
			s.fail(ctx, sinkAudit, ev, err)
		}
	}

	if s.notifier.Enabled() {
		select {
		case s.queue <- ev:
		default:
			s.metrics.ObserveSinkFailure(sinkNotifyDropped)
			s.logger.WarnContext(ctx, "event_sink: notification queue full, dropping",
				slog.String("event", string(ev.Type)),
				slog.String("round_id", ev.RoundID),
			)
		}
	}
}

func (s *EventSink) publish(ctx context.Context, ev domain.Event, payload []byte) {
	var pub Publisher
	switch {
	case s.bus != nil:
		pub = s.bus
	case s.local != nil:
		pub = s.local
	default:
		return
	}
	for _, ch := range []string{ChannelRounds, RoundChannel(ev.RoundID)} {
		if err := pub.Publish(ctx, ch, payload); err != nil {
			s.fail(ctx, sinkBus, ev, err)
		}
	}
	if s.bus != nil {
		if err := s.bus.StreamAppend(ctx, StreamRounds, payload); err != nil {
			s.fail(ctx, sinkStream, ev, err)
		}
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (s *EventSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.queue:
			nctx, cancel := context.WithTimeout(ctx, 2*sinkTimeout)
			if err := s.notifier.NotifyEvent(nctx, ev); err != nil {
				s.fail(nctx, sinkNotify, ev, err)
			}
			cancel()
		}
	}
}

func (s *EventSink) fail(ctx context.Context, sink string, ev domain.Event, err error) {
	s.metrics.ObserveSinkFailure(sink)
	s.logger.WarnContext(ctx, "event_sink: delivery failed",
		slog.String("sink", sink),
		slog.String("event", string(ev.Type)),
		slog.String("round_id", ev.RoundID),
		slog.String("error", err.Error()),
	)
}
