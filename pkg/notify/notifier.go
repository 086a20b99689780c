// Package notify delivers open and close events to operators. Every event is
// logged; events passing the configured filter are also forwarded to the
// registered senders (Slack, Discord, Telegram, the websocket hub).
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/pkg/models"
)

// Event is a single notification as delivered to senders.
type Event struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Time        time.Time          `json:"time"`
	Text        string             `json:"text"`
	Opportunity models.Opportunity `json:"opportunity"`
}

// Sender is a notification channel.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *logrus.Logger
	now     func() time.Time
}

// NewNotifier creates a Notifier forwarding the listed event types to senders.
// An empty events list forwards everything.
func NewNotifier(events []string, logger *logrus.Logger, senders ...Sender) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger,
		now:     time.Now,
	}
}

// Notify logs the event and dispatches it. Sender failures are logged and
// never reach the caller.
func (n *Notifier) Notify(ctx context.Context, event string, o models.Opportunity) {
	ev := Event{
		ID:          uuid.NewString(),
		Type:        event,
		Time:        n.now(),
		Text:        FormatText(event, o),
		Opportunity: o,
	}
	n.log(ev)

	if len(n.events) > 0 && !n.events[event] {
		return
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, ev); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"sender":      s.Name(),
				"event":       event,
				"opportunity": o.ID,
			}).Error("Failed to send notification")
		}
	}
}

func (n *Notifier) log(ev Event) {
	o := ev.Opportunity
	fields := logrus.Fields{
		"type":        ev.Type,
		"eventId":     ev.ID,
		"opportunity": o.ID,
		"symbol":      o.Ticket.Symbol,
		"askExchange": o.BestAsk.ExchangeName,
		"bidExchange": o.BestBid.ExchangeName,
		"gap":         o.Gap.String(),
		"gain":        o.Gain.String(),
		"cost":        o.Cost.String(),
	}
	if o.CloseGap.Valid {
		fields["closeGap"] = o.CloseGap.Decimal.String()
	}
	if o.OpenedAt != nil && o.ClosedAt != nil {
		fields["held"] = o.Age(*o.ClosedAt).String()
	}
	n.logger.WithFields(fields).Info(ev.Text)
}

// FormatText renders the one-line message shared by every chat sender, for
// example "[ open ]: BTC/USDT-binance-coinbase gap: 0.0001".
func FormatText(event string, o models.Opportunity) string {
	gap := o.Gap
	if o.CloseGap.Valid {
		gap = o.CloseGap.Decimal
	}
	return fmt.Sprintf("[ %s ]: %s gap: %s", event, o.ID, gap.String())
}
