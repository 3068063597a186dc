package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/slack-go/slack"
	"github.com/withObsrvr/snapshot-audit-pipeline/processor"
)

// AlertConfig configures the delivery channels. Every channel is optional;
// with none configured alerts still land in the log sink.
type AlertConfig struct {
	SlackToken    string   `yaml:"slack_token"`
	SlackChannels []string `yaml:"slack_channels"`
	SendgridKey   string   `yaml:"sendgrid_key"`
	EmailFrom     string   `yaml:"email_from"`
	EmailTo       []string `yaml:"email_to"`
	WebhookURLs   []string `yaml:"webhook_urls"`
}

// AlertDispatcher delivers structured alerts to the configured channels.
// Delivery is best-effort: channel failures are logged and never propagate
// back into the pipeline. A dedupe log guarantees at-most-once delivery per
// alert dedupe key within one process lifetime; durable once-only firing is
// enforced upstream by the state transitions that produce the alerts.
type AlertDispatcher struct {
	config         AlertConfig
	slackClient    *slack.Client
	sendgridClient *sendgrid.Client
	httpClient     *http.Client

	mu        sync.Mutex
	delivered map[string]time.Time
}

func NewAlertDispatcher(config AlertConfig) *AlertDispatcher {
	d := &AlertDispatcher{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delivered:  make(map[string]time.Time),
	}
	if config.SlackToken != "" {
		d.slackClient = slack.New(config.SlackToken)
	}
	if config.SendgridKey != "" {
		d.sendgridClient = sendgrid.NewSendClient(config.SendgridKey)
	}
	return d
}

// Deliver sends one alert to every configured channel. Returns nil even
// when individual channels fail; only a duplicate dedupe key short-circuits.
func (d *AlertDispatcher) Deliver(ctx context.Context, alert *processor.Alert) error {
	d.mu.Lock()
	if _, seen := d.delivered[alert.DedupeKey]; seen {
		d.mu.Unlock()
		return nil
	}
	d.delivered[alert.DedupeKey] = time.Now()
	d.mu.Unlock()

	// Log sink is always on.
	log.Printf("ALERT [%s/%s]: %s", alert.Severity, alert.Kind, alert.Message)

	if d.slackClient != nil {
		if err := d.sendSlack(alert); err != nil {
			log.Printf("Error sending Slack alert: %v", err)
		}
	}
	if d.sendgridClient != nil {
		if err := d.sendEmail(alert); err != nil {
			log.Printf("Error sending email alert: %v", err)
		}
	}
	if len(d.config.WebhookURLs) > 0 {
		if err := d.sendWebhook(ctx, alert); err != nil {
			log.Printf("Error sending webhook alert: %v", err)
		}
	}

	return nil
}

func (d *AlertDispatcher) sendSlack(alert *processor.Alert) error {
	text := fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Kind, alert.Message)
	for _, channel := range d.config.SlackChannels {
		_, _, err := d.slackClient.PostMessage(channel, slack.MsgOptionText(text, false))
		if err != nil {
			return fmt.Errorf("error posting to slack channel %s: %w", channel, err)
		}
	}
	return nil
}

func (d *AlertDispatcher) sendEmail(alert *processor.Alert) error {
	from := mail.NewEmail("Snapshot Audit", d.config.EmailFrom)
	subject := fmt.Sprintf("Snapshot audit alert: %s (%s)", alert.Kind, alert.Severity)
	for _, to := range d.config.EmailTo {
		email := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), alert.Message, alert.Message)
		if _, err := d.sendgridClient.Send(email); err != nil {
			return fmt.Errorf("error sending email to %s: %w", to, err)
		}
	}
	return nil
}

func (d *AlertDispatcher) sendWebhook(ctx context.Context, alert *processor.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("error marshaling alert: %w", err)
	}
	for _, url := range d.config.WebhookURLs {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
		if err != nil {
			return fmt.Errorf("error creating webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("error sending webhook request: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		}
	}
	return nil
}
