// Package notify delivers operator notifications for policy events.
// Delivery is best-effort: a failing channel is logged and never propagates
// into the mutation that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/logging"
)

// Level constants
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Channel is one configured notification destination.
type Channel struct {
	Name       string            `hcl:"name,label" json:"name"`
	Type       string            `hcl:"type" json:"type"` // "webhook", "slack", "discord", "ntfy"
	Enabled    bool              `hcl:"enabled,optional" json:"enabled"`
	Level      string            `hcl:"level,optional" json:"level"` // minimum level, empty accepts all
	WebhookURL string            `hcl:"webhook_url,optional" json:"webhook_url,omitempty"`
	Server     string            `hcl:"server,optional" json:"server,omitempty"`
	Topic      string            `hcl:"topic,optional" json:"topic,omitempty"`
	Headers    map[string]string `hcl:"headers,optional" json:"headers,omitempty"`
}

// Config enables notifications and lists the channels.
type Config struct {
	Enabled  bool      `hcl:"enabled,optional" json:"enabled"`
	Channels []Channel `hcl:"channel,block" json:"channels"`
}

// Notification represents a notification event
type Notification struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event,omitempty"`
	User      string                 `json:"user,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Dispatcher manages notification channels and dispatching
type Dispatcher struct {
	config *Config
	logger *logging.Logger
	client *http.Client
	mu     sync.RWMutex
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(cfg *Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notify")
	}
	return &Dispatcher{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// UpdateConfig updates the dispatcher configuration
func (d *Dispatcher) UpdateConfig(cfg *Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
}

// Send dispatches a notification to all enabled and relevant channels
func (d *Dispatcher) Send(n Notification) {
	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	if cfg == nil || !cfg.Enabled {
		return
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var wg sync.WaitGroup

	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if !shouldSend(n.Level, ch.Level) {
			continue
		}

		wg.Add(1)
		go func(channel Channel) {
			defer wg.Done()
			if err := d.sendToChannel(channel, n); err != nil {
				d.logger.Error("failed to send notification",
					"channel", channel.Name,
					"type", channel.Type,
					"error", err)
			}
		}(ch)
	}

	wg.Wait()
}

// SendSimple is a helper for simple messages
func (d *Dispatcher) SendSimple(title, message, level string) {
	d.Send(Notification{
		Title:   title,
		Message: message,
		Level:   level,
	})
}

// SendToAdmins fans an event out to every enabled channel. Fire and forget.
func (d *Dispatcher) SendToAdmins(eventType, title, message, level string) {
	d.Send(Notification{
		Event:   eventType,
		Title:   title,
		Message: message,
		Level:   level,
	})
}

// SendToUser targets a single recipient. Channels that cannot address
// individual users carry the recipient in the payload instead.
func (d *Dispatcher) SendToUser(userID, eventType, title, message string) {
	d.Send(Notification{
		User:    userID,
		Event:   eventType,
		Title:   title,
		Message: message,
		Level:   LevelInfo,
	})
}

// Watch bridges the event hub into notifications until ctx is done.
// Sync failures are the main reason operators want to hear from us.
func (d *Dispatcher) Watch(ctx context.Context, hub *events.Hub) {
	ch := hub.Subscribe(64, events.EventSyncFailed, events.EventTemplateApplied, events.EventBackupRestored)
	defer hub.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			switch e.Type {
			case events.EventSyncFailed:
				data, _ := e.Data.(events.SyncData)
				d.SendSimple("Enforcement sync failed",
					fmt.Sprintf("filter %s: %s (%d rules pending)", data.FilterID, data.Error, data.RuleCount),
					LevelWarning)
			case events.EventTemplateApplied:
				data, _ := e.Data.(events.TemplateData)
				d.SendSimple("Template applied",
					fmt.Sprintf("template %s applied to department %s (%d resolved rules)",
						data.TemplateID, data.DepartmentID, data.ResolvedSize),
					LevelInfo)
			case events.EventBackupRestored:
				data, _ := e.Data.(events.BackupData)
				d.SendSimple("Backup restored",
					fmt.Sprintf("machine %s restored from backup %s (%s)", data.MachineID, data.BackupID, data.Mode),
					LevelInfo)
			}
		}
	}
}

// shouldSend checks if a message level meets the channel's minimum level
func shouldSend(msgLevel, chanLevel string) bool {
	if chanLevel == "" {
		return true
	}

	levels := map[string]int{
		LevelInfo:     1,
		LevelWarning:  2,
		LevelCritical: 3,
	}

	m := levels[strings.ToLower(msgLevel)]
	c := levels[strings.ToLower(chanLevel)]

	return m >= c
}

func (d *Dispatcher) sendToChannel(ch Channel, n Notification) error {
	switch strings.ToLower(ch.Type) {
	case "webhook", "slack", "discord":
		return d.sendWebhook(ch, n)
	case "ntfy":
		return d.sendNtfy(ch, n)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func (d *Dispatcher) sendWebhook(ch Channel, n Notification) error {
	if ch.WebhookURL == "" {
		return fmt.Errorf("missing webhook_url")
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("*%s*\n%s\n_Level: %s_", n.Title, n.Message, n.Level),
	}
	if ch.Type == "discord" {
		payload = map[string]interface{}{
			"content": fmt.Sprintf("**%s**\n%s", n.Title, n.Message),
		}
	}
	if n.Event != "" {
		payload["event"] = n.Event
	}
	if n.User != "" {
		payload["user"] = n.User
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", ch.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}

	return nil
}

func (d *Dispatcher) sendNtfy(ch Channel, n Notification) error {
	url := ch.Server
	if url == "" {
		url = "https://ntfy.sh"
	}
	if ch.Topic == "" {
		return fmt.Errorf("missing topic for ntfy")
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	url += ch.Topic

	req, err := http.NewRequest("POST", url, strings.NewReader(n.Message))
	if err != nil {
		return err
	}

	req.Header.Set("Title", n.Title)

	switch n.Level {
	case LevelCritical:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case LevelWarning:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	case LevelInfo:
		req.Header.Set("Priority", "low")
		req.Header.Set("Tags", "information_source")
	}

	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy failed with status: %d", resp.StatusCode)
	}

	return nil
}
