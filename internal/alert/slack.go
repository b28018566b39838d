package alert

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/querytrace/querytrace/internal/config"
)

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	TS     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	poster     poster
}

// NewSlackSender creates a new Slack alert sender.
func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		poster:     newPoster(),
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(alert Alert) error {
	msg := slackMessage{
		Channel: s.channel,
		Attachments: []slackAttachment{{
			Color:  colorOf(alert.Severity),
			Title:  "querytrace: " + alert.Title,
			Text:   alert.Message,
			Fields: fieldsOf(alert),
			TS:     alert.Timestamp.Unix(),
		}},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}
	if _, err := s.poster.post(s.webhookURL, body, nil); err != nil {
		return fmt.Errorf("slack delivery: %w", err)
	}
	return nil
}

// fieldsOf lists the alert's identity first, then its details by key.
func fieldsOf(alert Alert) []slackField {
	fields := []slackField{
		{Title: "Type", Value: alert.Type, Short: true},
		{Title: "Severity", Value: alert.Severity, Short: true},
	}
	if alert.TraceID != "" {
		fields = append(fields, slackField{Title: "Trace", Value: alert.TraceID, Short: true})
	}
	if alert.SessionID != "" {
		fields = append(fields, slackField{Title: "Session", Value: alert.SessionID, Short: true})
	}

	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprint(alert.Details[k]), Short: true})
	}
	return fields
}

func colorOf(severity string) string {
	switch severity {
	case "critical":
		return "#dc3545"
	case "warning":
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
