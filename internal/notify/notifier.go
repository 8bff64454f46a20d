// Package notify delivers settlement events to operators over Discord,
// Telegram and signed webhooks. Deliveries are filtered by event type so
// each deployment only hears about the transitions it cares about.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// defaultTimeout bounds a single delivery.
const defaultTimeout = 10 * time.Second

// Field is one labelled value of a message.
type Field struct {
	Name  string
	Value string
}

// Message is a rendered notification.
type Message struct {
	Title  string
	Fields []Field
	Event  domain.Event
}

// Text renders the fields one per line.
func (m Message) Text() string {
	var b strings.Builder
	for i, f := range m.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans a settlement event out to every sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only event types listed in events are
// delivered; an empty list delivers everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// NotifyEvent renders ev and delivers it to every sender. A failing sender
// does not stop delivery to the others; all failures are returned joined.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", string(ev.Type)))
		return nil
	}
	msg := Format(ev)

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("event", string(ev.Type)),
		)
	}
	return errors.Join(errs...)
}

var titles = map[domain.EventType]string{
	domain.EventRoundCreated:           "Round created",
	domain.EventContributed:            "Bid contributed",
	domain.EventOffchainRecorded:       "Off-ledger bid recorded",
	domain.EventWithdrawn:              "Bid withdrawn",
	domain.EventRoundAccepted:          "Round accepted",
	domain.EventReconciliationFinished: "Reconciliation finished",
	domain.EventRoundRejected:          "Round rejected",
	domain.EventRedeemed:               "Offer redeemed",
	domain.EventRoundCancelled:         "Round cancelled",
	domain.EventRoundClosed:            "Round closed",
	domain.EventRoundMigrated:          "Round migrated",
}

// Format renders a settlement event.
func Format(ev domain.Event) Message {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	fields := []Field{{Name: "Round", Value: ev.RoundID}}
	if ev.Actor != "" {
		fields = append(fields, Field{Name: "Actor", Value: ev.Actor})
	}
	if ev.User != "" {
		fields = append(fields, Field{Name: "User", Value: ev.User})
	}
	if ev.Amount != 0 {
		fields = append(fields, Field{Name: "Amount", Value: strconv.FormatUint(ev.Amount, 10)})
	}
	if ev.Type == domain.EventRoundAccepted {
		fields = append(fields,
			Field{Name: "Total bid", Value: strconv.FormatUint(ev.TotalBid, 10)},
			Field{Name: "Total offer", Value: strconv.FormatUint(ev.TotalOffer, 10)},
		)
	}
	if ev.Reason != "" {
		fields = append(fields, Field{Name: "Reason", Value: string(ev.Reason)})
	}
	return Message{Title: title, Fields: fields, Event: ev}
}

// postJSON sends body and treats any 2xx as success.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
