package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
)

// Notifier publishes newly stored threats to an external sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, t model.Threat) error
	Close() error
}

// Message is the JSON document published for every new threat.
type Message struct {
	Threat           model.Threat `json:"threat"`
	RuleID           string       `json:"ruleId"`
	RuleVersion      int          `json:"ruleVersion"`
	Fingerprint      string       `json:"fingerprint"`
	EvidenceEventIDs []string     `json:"evidenceEventIds"`
	DetectedAt       time.Time    `json:"detectedAt"`
}

func NewMessage(t model.Threat) Message {
	ids := t.EvidenceEventIDs
	if ids == nil {
		ids = []string{}
	}
	return Message{
		Threat:           t,
		RuleID:           t.RuleID,
		RuleVersion:      t.RuleVersion,
		Fingerprint:      t.Fingerprint,
		EvidenceEventIDs: ids,
		DetectedAt:       t.DetectedAt,
	}
}

func encode(t model.Threat) ([]byte, error) {
	return json.Marshal(NewMessage(t))
}

// Multi fans a threat out to every notifier. Delivery is best effort:
// failures are counted and logged, never returned to the caller.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cooldown  *Cooldown
	quiet     time.Duration
}

func NewMulti(logger *slog.Logger, m *metrics.Metrics, notifiers ...Notifier) *Multi {
	return &Multi{
		notifiers: notifiers,
		logger:    logger,
		metrics:   m,
		cooldown:  NewCooldown(),
		quiet:     30 * time.Second,
	}
}

// New builds the notifiers enabled in cfg. A sink that cannot be set up is
// logged and left out.
func New(cfg config.NotifyConfig, logger *slog.Logger, m *metrics.Metrics) *Multi {
	var list []Notifier
	if cfg.NATS.Enabled {
		n, err := NewNATS(cfg.NATS, logger)
		if err != nil {
			if logger != nil {
				logger.Error("nats notifier disabled", "err", err)
			}
		} else {
			list = append(list, n)
		}
	}
	if cfg.Kafka.Enabled {
		list = append(list, NewKafka(cfg.Kafka))
	}
	return NewMulti(logger, m, list...)
}

func (m *Multi) Len() int {
	if m == nil {
		return 0
	}
	return len(m.notifiers)
}

func (m *Multi) Notify(ctx context.Context, threats []model.Threat) {
	if m == nil {
		return
	}
	for _, n := range m.notifiers {
		for _, t := range threats {
			if err := n.Notify(ctx, t); err != nil {
				m.metrics.IncNotifyErrors(n.Name())
				if m.logger != nil && m.cooldown.Allow(n.Name(), m.quiet) {
					m.logger.Warn("threat notification failed", "sink", n.Name(), "threat_id", t.ID, "err", err)
				}
			}
		}
	}
}

func (m *Multi) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
