package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

// kafkaSource consumes log records from one topic and writes them to the log
// store itself, bypassing the lossy ingest channel. A message value is
// either a single line in any format the Parser accepts or a JSON array of
// log objects. The offset is committed only after the message's events are
// stored; a failing store stalls the partition until it recovers.
type kafkaSource struct {
	reader *kafka.Reader
	cfg    *config.Manager
	parser *Parser
	store  LogAppender
	retry  time.Duration
	logger *slog.Logger

	// OnStored, when set, is called with the number of newly stored events.
	OnStored func(stored int)
}

func StartKafka(ctx context.Context, cfg *config.Manager, store LogAppender, onStored func(int), logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID, "start_offset", current.StartOffset)
	}
	src := newKafkaSource(cfg, store, logger)
	src.reader = kafka.NewReader(readerConfig(current))
	src.OnStored = onStored
	go src.run(ctx)
}

func newKafkaSource(cfg *config.Manager, store LogAppender, logger *slog.Logger) *kafkaSource {
	return &kafkaSource{
		cfg:    cfg,
		parser: NewParser(),
		store:  store,
		retry:  time.Second,
		logger: logger,
	}
}

func readerConfig(c config.KafkaConfig) kafka.ReaderConfig {
	rc := kafka.ReaderConfig{
		Brokers:     c.Brokers,
		Topic:       c.Topic,
		GroupID:     c.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	}
	if strings.EqualFold(c.StartOffset, "last") {
		rc.StartOffset = kafka.LastOffset
	}
	return rc
}

func (s *kafkaSource) run(ctx context.Context) {
	defer s.reader.Close()
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Warn("kafka fetch error", "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		if !s.persist(ctx, m) {
			// uncommitted: the message is delivered again after restart
			return
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && s.logger != nil {
			s.logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

// persist stores the events of m, retrying until the store accepts them. It
// returns false only when ctx ends first.
func (s *kafkaSource) persist(ctx context.Context, m kafka.Message) bool {
	events := s.decode(m)
	if len(events) == 0 {
		return true
	}
	for {
		stored, err := s.store.AppendLogs(ctx, events)
		if err == nil {
			if s.OnStored != nil {
				s.OnStored(len(stored))
			}
			return true
		}
		if s.logger != nil {
			s.logger.Warn("kafka append failed, retrying", "partition", m.Partition, "offset", m.Offset, "count", len(events), "err", err)
		}
		if !BackoffSleep(ctx, s.retry) {
			return false
		}
	}
}

// decode returns the valid events of one message. Records without a
// timestamp take the message time. Records without an id get one derived
// from their position in the topic, so a redelivered message is stored once.
func (s *kafkaSource) decode(m kafka.Message) []model.LogEvent {
	received := m.Time
	if received.IsZero() {
		received = time.Now()
	}
	var events []model.LogEvent
	value := bytes.TrimSpace(m.Value)
	if len(value) == 0 || value[0] != '[' {
		if ev, ok := parseLine("kafka", string(value), received, s.cfg, s.parser, s.logger); ok {
			events = append(events, ev)
		}
	} else {
		batch, err := DecodeBatch(value, normalize.Location(s.cfg.Get().Ingest.Parser.Timezone), received)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("kafka message rejected", "partition", m.Partition, "offset", m.Offset, "err", err)
			}
			return nil
		}
		for _, be := range batch.Errors {
			if s.logger != nil {
				s.logger.Warn("kafka record rejected", "offset", m.Offset, "index", be.Index, "err", be.Error)
			}
		}
		events = batch.Events
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = recordID(m, i)
		}
	}
	return events
}

func recordID(m kafka.Message, index int) string {
	key := fmt.Sprintf("kafka://%s/%d/%d#%d", m.Topic, m.Partition, m.Offset, index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
