// Package notify delivers settlement notifications to operator channels
// (Telegram, Discord). Delivery is asynchronous: settlement enqueues and
// moves on, and a full queue drops the message with a warning.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// Event types accepted by the event filter.
const (
	EventCompleted = "transaction.completed"
	EventFailed    = "transaction.failed"
	EventIncident  = "incident"
)

const (
	DefaultQueueSize   = 256
	defaultSendTimeout = 15 * time.Second
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type message struct {
	event string
	title string
	body  string
}

// Notifier fans messages out to its senders from a single background
// worker. Only events in the allowed set are delivered; an empty set
// allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan message
	logger  *slog.Logger

	mu      sync.Mutex
	dropped int64
	done    chan struct{}
}

// NewNotifier creates a Notifier. queueSize <= 0 uses DefaultQueueSize.
func NewNotifier(senders []Sender, events []string, queueSize int, logger *slog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan message, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
		done:    make(chan struct{}),
	}
}

// Run delivers queued messages until ctx is cancelled, then drains what is
// already queued.
func (n *Notifier) Run(ctx context.Context) error {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return nil
		case m := <-n.queue:
			n.deliver(context.Background(), m)
		}
	}
}

// Done is closed when Run returns.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) drain() {
	for {
		select {
		case m := <-n.queue:
			n.deliver(context.Background(), m)
		default:
			return
		}
	}
}

// Dropped returns how many messages were discarded on a full queue.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// TransactionFinalized enqueues a message for a Completed or Failed record.
func (n *Notifier) TransactionFinalized(ctx context.Context, r domain.TransactionRecord) {
	switch r.Status {
	case domain.TxCompleted:
		n.enqueue(ctx, message{
			event: EventCompleted,
			title: fmt.Sprintf("%s completed", r.Type),
			body:  describeRecord(r),
		})
	case domain.TxFailed:
		n.enqueue(ctx, message{
			event: EventFailed,
			title: fmt.Sprintf("%s failed", r.Type),
			body:  describeRecord(r),
		})
	}
}

// Incident enqueues an operator alert.
func (n *Notifier) Incident(ctx context.Context, summary string, detail map[string]any) {
	var b strings.Builder
	b.WriteString(summary)
	for _, k := range sortedKeys(detail) {
		fmt.Fprintf(&b, "\n%s: %v", k, detail[k])
	}
	n.enqueue(ctx, message{event: EventIncident, title: "Settlement incident", body: b.String()})
}

func (n *Notifier) enqueue(ctx context.Context, m message) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[m.event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", m.event))
		return
	}
	select {
	case n.queue <- m:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.String("event", m.event),
			slog.String("title", m.title),
		)
	}
}

// deliver sends m to every sender. One sender failing does not stop the
// others.
func (n *Notifier) deliver(ctx context.Context, m message) {
	ctx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()

	for _, s := range n.senders {
		if err := s.Send(ctx, m.title, m.body); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", m.event),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", m.title),
		)
	}
}

func describeRecord(r domain.TransactionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "listing %s\nprice %s", r.ListingID, r.Price)
	if r.Buyer != nil {
		fmt.Fprintf(&b, "\nbuyer %s", r.Buyer.ID)
	}
	if r.Seller != nil {
		fmt.Fprintf(&b, "\nseller %s", r.Seller.ID)
	}
	if r.Ledger != nil && r.Ledger.ExplorerURL != "" {
		fmt.Fprintf(&b, "\n%s", r.Ledger.ExplorerURL)
	}
	if r.Error != nil {
		fmt.Fprintf(&b, "\nerror %s: %s", r.Error.Code, r.Error.Message)
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
