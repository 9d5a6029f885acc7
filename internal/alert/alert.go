// Package alert fans monitor findings out to PagerDuty and Telegram.
package alert

import (
	"github.com/PagerDuty/go-pagerduty"
	"github.com/yanzay/tbot/v2"
	"go.uber.org/zap"
)

// Config holds the delivery credentials. Empty fields disable the
// corresponding channel.
type Config struct {
	PagerDutyServiceKey string
	TelegramBotToken    string
	TelegramChatID      string
}

// Notifier delivers one message to every configured channel. Delivery
// failures are logged, never returned; alerting must not take a
// monitor loop down.
type Notifier struct {
	cfg      Config
	tgclient *tbot.Client
	log      *zap.SugaredLogger
}

func NewNotifier(cfg Config, log *zap.SugaredLogger) *Notifier {
	n := &Notifier{cfg: cfg, log: log}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n.tgclient = tbot.New(cfg.TelegramBotToken).Client()
	}
	return n
}

// Notify sends message under incidentKey. PagerDuty deduplicates on
// the incident key, so repeated sends for an ongoing condition roll
// into one incident.
func (n *Notifier) Notify(incidentKey, message string) {
	if n.cfg.PagerDutyServiceKey != "" {
		event := pagerduty.Event{
			ServiceKey:  n.cfg.PagerDutyServiceKey,
			Type:        "trigger",
			IncidentKey: incidentKey,
			Description: incidentKey,
			Details:     message,
		}
		if _, err := pagerduty.CreateEvent(event); err != nil {
			n.log.Errorf("[alert] pagerduty delivery failed: %v", err)
		}
	}
	if n.tgclient != nil {
		if _, err := n.tgclient.SendMessage(n.cfg.TelegramChatID, incidentKey+"\n"+message); err != nil {
			n.log.Errorf("[alert] telegram delivery failed: %v", err)
		}
	}
}
