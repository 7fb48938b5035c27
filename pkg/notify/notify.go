// Package notify implements the Notifier: pluggable delivery sinks
// (webhook, email, chat) fanned out to from the Alert Engine. Delivery
// is best-effort with bounded exponential backoff; sinks are invoked in
// isolation so one sink's failure never affects another.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/agentmesh/controlplane/pkg/log"
	promMetrics "github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Sink delivers one alert. Implementations must not retry internally;
// retry policy is applied uniformly by Dispatch.
type Sink interface {
	Deliver(ctx context.Context, alert types.Alert, rule types.AlertRule, cfg map[string]string) error
}

// RetryConfig bounds the exponential backoff applied around a Sink.
type RetryConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultRetryConfig mirrors the notifier.retry_max and
// notifier.backoff_base_ms configuration option names.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Notifier fans an alert out to every configured sink action,
// independently and with retry.
type Notifier struct {
	sinks   map[types.SinkKind]Sink
	retry   RetryConfig
	metrics metricstore.Store
	logger  zerolog.Logger
}

// NewNotifier creates a Notifier with the default webhook/email/chat
// sinks registered.
func NewNotifier(metrics metricstore.Store, retry RetryConfig) *Notifier {
	return &Notifier{
		sinks: map[types.SinkKind]Sink{
			types.SinkWebhook: WebhookSink{},
			types.SinkEmail:   EmailSink{},
			types.SinkChat:    ChatSink{},
		},
		retry:   retry,
		metrics: metrics,
		logger:  log.WithComponent("notifier"),
	}
}

// Notify satisfies alert.Sink: it delivers alert to every action
// configured on rule, each in its own goroutine so one sink's failure
// or latency cannot affect another.
func (n *Notifier) Notify(alert types.Alert, rule types.AlertRule) {
	for _, action := range rule.Actions {
		go n.dispatch(alert, rule, action)
	}
}

// dispatch delivers alert through one sink action with bounded
// exponential backoff. Final failure is logged and counted as a metric
// but never propagated.
func (n *Notifier) dispatch(alert types.Alert, rule types.AlertRule, action types.SinkConfig) {
	sink, ok := n.sinks[action.Kind]
	if !ok {
		n.logger.Error().Str("sink", string(action.Kind)).Msg("unknown notifier sink kind")
		return
	}

	backoff := n.retry.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= n.retry.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sink.Deliver(ctx, alert, rule, action.Config)
		cancel()
		if err == nil {
			promMetrics.NotifierDeliveriesTotal.WithLabelValues(string(action.Kind), "success").Inc()
			return
		}
		lastErr = err
		if attempt < n.retry.MaxAttempts {
			promMetrics.NotifierRetriesTotal.Inc()
			time.Sleep(backoff)
			backoff *= 2
			if backoff > n.retry.MaxBackoff {
				backoff = n.retry.MaxBackoff
			}
		}
	}

	promMetrics.NotifierDeliveriesTotal.WithLabelValues(string(action.Kind), "failure").Inc()
	n.logger.Error().Err(lastErr).Str("rule", rule.Name).Str("sink", string(action.Kind)).Msg("notification delivery failed after retries")
	if n.metrics != nil {
		n.metrics.Record(types.Metric{
			OwnerID:   alert.OwnerID,
			Name:      "notification_failure_count",
			Value:     1,
			Labels:    map[string]string{"sink": string(action.Kind)},
			Timestamp: time.Now().UTC(),
		})
	}
}

// WebhookSink posts the alert as a JSON body to cfg["url"].
type WebhookSink struct{}

func (WebhookSink) Deliver(ctx context.Context, alert types.Alert, rule types.AlertRule, cfg map[string]string) error {
	url := cfg["url"]
	if url == "" {
		return fmt.Errorf("webhook sink: missing url")
	}
	body, err := json.Marshal(map[string]any{"alert": alert, "rule": rule.Name, "severity": rule.Severity})
	if err != nil {
		return fmt.Errorf("webhook sink: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook sink: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// EmailSink sends a plaintext email via an SMTP relay named in cfg.
type EmailSink struct{}

func (EmailSink) Deliver(ctx context.Context, alert types.Alert, rule types.AlertRule, cfg map[string]string) error {
	addr := cfg["smtp_addr"]
	from := cfg["from"]
	to := cfg["to"]
	if addr == "" || from == "" || to == "" {
		return fmt.Errorf("email sink: missing smtp_addr/from/to")
	}
	msg := fmt.Sprintf("Subject: [%s] %s\r\n\r\nAlert %s is %s (value=%.2f)\r\n",
		rule.Severity, rule.Name, alert.ID, alert.State, alert.CurrentValue)
	return smtp.SendMail(addr, nil, from, []string{to}, []byte(msg))
}

// ChatSink posts a formatted message to a Slack-compatible incoming
// webhook.
type ChatSink struct{}

func (ChatSink) Deliver(ctx context.Context, alert types.Alert, rule types.AlertRule, cfg map[string]string) error {
	hookURL := cfg["webhook_url"]
	if hookURL == "" {
		return fmt.Errorf("chat sink: missing webhook_url")
	}
	text := fmt.Sprintf("[%s] %s is %s (value=%.2f)", rule.Severity, rule.Name, alert.State, alert.CurrentValue)
	return slack.PostWebhookContext(ctx, hookURL, &slack.WebhookMessage{Text: text})
}
