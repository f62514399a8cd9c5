// Package notify formats arbitrage alerts and delivers them through an
// outbound messaging provider.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"arbwatch/internal/metrics"
	"arbwatch/internal/model"
)

// ErrNotConfigured is returned when no messaging provider is set up.
var ErrNotConfigured = errors.New("notify: messaging provider not configured")

// maxPerMessage bounds the opportunities in one message to stay below the
// provider's message size limit.
const maxPerMessage = 10

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Marker records that opportunities were alerted.
type Marker interface {
	MarkAlerted(ctx context.Context, ids []int64, at time.Time) (int64, error)
}

// AlertNotifier sends batched opportunity alerts and marks them as alerted
// once the provider accepted the message.
type AlertNotifier struct {
	sender Sender
	store  Marker
	logger *slog.Logger
	now    func() time.Time
}

// NewAlertNotifier creates an AlertNotifier. sender may be nil when no
// provider is configured; every send then fails with ErrNotConfigured.
func NewAlertNotifier(sender Sender, store Marker, logger *slog.Logger) *AlertNotifier {
	return &AlertNotifier{
		sender: sender,
		store:  store,
		logger: logger.With("component", "notifier"),
		now:    time.Now,
	}
}

// Notify sends opportunities in batches. An empty set succeeds without
// contacting the provider. Opportunities of a batch are marked alerted only
// when that batch was delivered; failures are returned joined.
func (n *AlertNotifier) Notify(ctx context.Context, opportunities []model.Opportunity) error {
	if len(opportunities) == 0 {
		return nil
	}
	if n.sender == nil {
		metrics.AlertsTotal.WithLabelValues("skipped").Add(float64(len(opportunities)))
		n.logger.Warn("Alerts not sent, messaging provider not configured", "opportunities", len(opportunities))
		return ErrNotConfigured
	}

	var errs []error
	for start := 0; start < len(opportunities); start += maxPerMessage {
		batch := opportunities[start:min(start+maxPerMessage, len(opportunities))]
		if err := n.sendBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *AlertNotifier) sendBatch(ctx context.Context, batch []model.Opportunity) error {
	at := n.now().UTC()
	title := "Arbitrage opportunity"
	if len(batch) > 1 {
		title = fmt.Sprintf("%d arbitrage opportunities", len(batch))
	}

	if err := n.sender.Send(ctx, title, FormatAlerts(batch, at)); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Add(float64(len(batch)))
		n.logger.Error("Failed to send alerts", "sender", n.sender.Name(), "error", err, "opportunities", len(batch))
		return fmt.Errorf("notify: send via %s: %w", n.sender.Name(), err)
	}

	ids := make([]int64, len(batch))
	for i, o := range batch {
		ids[i] = o.ID
	}
	if _, err := n.store.MarkAlerted(ctx, ids, at); err != nil {
		metrics.AlertsTotal.WithLabelValues("unmarked").Add(float64(len(batch)))
		n.logger.Error("Alerts sent but not marked", "error", err, "ids", ids)
		return fmt.Errorf("notify: mark alerted: %w", err)
	}

	metrics.AlertsTotal.WithLabelValues("sent").Add(float64(len(batch)))
	for _, o := range batch {
		n.logger.Info("Alert sent",
			"instrument", o.Instrument().String(),
			"net_profit_pct", o.NetProfitPct,
			"buy_exchange", o.BuyExchange,
			"sell_exchange", o.SellExchange,
		)
	}
	return nil
}

// SendTest sends a connectivity test message.
func (n *AlertNotifier) SendTest(ctx context.Context) error {
	if n.sender == nil {
		return ErrNotConfigured
	}
	msg := "Arbitrage monitor is running.\n" + n.now().UTC().Format(time.DateTime) + " UTC"
	if err := n.sender.Send(ctx, "Test message", msg); err != nil {
		return fmt.Errorf("notify: test message: %w", err)
	}
	return nil
}

// SendError reports a failed operator run.
func (n *AlertNotifier) SendError(ctx context.Context, message string) error {
	if n.sender == nil {
		n.logger.Error("Error message not sent, messaging provider not configured", "message", message)
		return ErrNotConfigured
	}
	msg := escape(message) + "\n\n" + n.now().UTC().Format(time.DateTime) + " UTC"
	if err := n.sender.Send(ctx, "System error", msg); err != nil {
		return fmt.Errorf("notify: error message: %w", err)
	}
	return nil
}

// FormatAlerts renders opportunities as a Telegram HTML message body.
func FormatAlerts(opportunities []model.Opportunity, at time.Time) string {
	var b strings.Builder
	for i, o := range opportunities {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<b>%s</b>: %.2f%% net, est. %.2f %s\n",
			escape(o.Instrument().String()), o.NetProfitPct, o.ProfitEstimate, escape(o.Quote))
		fmt.Fprintf(&b, "Buy on %s at %s\n", escape(o.BuyExchange), formatPrice(o.BuyPrice))
		fmt.Fprintf(&b, "Sell on %s at %s\n", escape(o.SellExchange), formatPrice(o.SellPrice))
		fmt.Fprintf(&b, "Gross %.2f%%, fees %.2f%%\n", o.GrossProfitPct, o.TotalCommission*100)
		fmt.Fprintf(&b, "Detected %s", o.DetectedAt.UTC().Format(time.TimeOnly))
	}
	fmt.Fprintf(&b, "\n\n<i>Sent %s UTC</i>", at.UTC().Format(time.DateTime))
	return b.String()
}

func formatPrice(p float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", p), "0"), ".")
}

func escape(s string) string {
	return html.EscapeString(s)
}
