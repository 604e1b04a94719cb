package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/pkg/models"
)

// LogNotifier writes transitions to the process log. Always registered,
// so every transition leaves a trace even with no channels configured.
type LogNotifier struct{}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ev models.AlertEvent) error {
	log.Printf("alert: %s/%s %s -> %s (value %.4g)", ev.DeviceID, ev.Metric, ev.OldStatus, ev.NewStatus, ev.Value)
	return nil
}

// EmailNotifier delivers transitions over SMTP.
type EmailNotifier struct {
	server string
	port   int
	from   string
	to     []string

	// sendMail is swapped out in tests.
	sendMail func(addr, from string, to []string, msg []byte) error
}

// NewEmailNotifier builds a notifier from the alerts config section.
func NewEmailNotifier(cfg config.AlertsConfig) *EmailNotifier {
	from := cfg.EmailFrom
	if from == "" {
		from = "sensorhub@localhost"
	}
	return &EmailNotifier{
		server: cfg.SMTPServer,
		port:   cfg.SMTPPort,
		from:   from,
		to:     cfg.EmailTo,
		sendMail: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Notify(ev models.AlertEvent) error {
	if n.server == "" || len(n.to) == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", n.server, n.port)
	return n.sendMail(addr, n.from, n.to, buildEmailMessage(n.from, n.to, ev))
}

func buildEmailMessage(from string, to []string, ev models.AlertEvent) []byte {
	subject := fmt.Sprintf("[sensorhub] %s/%s is %s", ev.DeviceID, ev.Metric, ev.NewStatus)
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Device:  %s\r\n", ev.DeviceID)
	fmt.Fprintf(&b, "Metric:  %s\r\n", ev.Metric)
	fmt.Fprintf(&b, "Status:  %s -> %s\r\n", ev.OldStatus, ev.NewStatus)
	fmt.Fprintf(&b, "Value:   %.6g\r\n", ev.Value)
	fmt.Fprintf(&b, "Since:   %s\r\n", ev.Since.Format(time.RFC3339))
	return b.Bytes()
}

// WebhookNotifier POSTs the transition as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ev models.AlertEvent) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(struct {
		EventType string            `json:"event_type"`
		Alert     models.AlertEvent `json:"alert"`
		Timestamp time.Time         `json:"timestamp"`
	}{
		EventType: "alert_transition",
		Alert:     ev,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
