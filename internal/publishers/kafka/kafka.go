// Package kafka delivers change events to a Kafka cluster with franz-go.
// The record key follows the transaction when one is present, otherwise the
// schema.table pair, so per-table order survives partitioning.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/redbco/redb-cdc/internal/tracing"
	"github.com/redbco/redb-cdc/internal/wire"
	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

const (
	defaultTopicTemplate = "cdc.{schema}.{table}"

	optionTopicTemplate = "topic_template"
	optionCreateTopic   = "create_topic"
	optionPartitions    = "partitions"
	optionLinger        = "linger"
)

func init() {
	cdc.RegisterPublisher("kafka", New)
}

// Publisher produces change events to Kafka topics.
type Publisher struct {
	cfg           cdc.PublisherConfig
	brokers       []string
	topicTemplate string
	client        *kgo.Client
	serializer    cdc.Serializer
	logger        *logger.Logger

	mu       sync.Mutex
	ensured  map[string]bool
	lastErr  string
	closed   bool
	creation bool
}

// New builds a kafka publisher and connects the producer client.
func New(cfg cdc.PublisherConfig, deps cdc.PublisherDeps) (cdc.Publisher, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: kafka publisher requires a broker list", cdc.ErrInvalidConfiguration)
	}
	brokers := strings.Split(cfg.Destination, ",")
	for i, b := range brokers {
		brokers[i] = strings.TrimSpace(b)
	}

	serializer := deps.Serializer
	if serializer == nil {
		var err error
		serializer, err = wire.NewSerializer(cfg.Serializer)
		if err != nil {
			return nil, err
		}
	}

	template := cfg.Option(optionTopicTemplate, defaultTopicTemplate)
	if template == "" {
		return nil, fmt.Errorf("%w: empty topic_template", cdc.ErrInvalidConfiguration)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if raw := cfg.Option(optionLinger, ""); raw != "" {
		linger, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid linger %q", cdc.ErrInvalidConfiguration, raw)
		}
		opts = append(opts, kgo.ProducerLinger(linger))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}

	return &Publisher{
		cfg:           cfg,
		brokers:       brokers,
		topicTemplate: template,
		client:        client,
		serializer:    serializer,
		logger:        deps.Logger,
		ensured:       make(map[string]bool),
		creation:      cfg.Option(optionCreateTopic, "false") == "true",
	}, nil
}

func (p *Publisher) Name() string        { return "kafka" }
func (p *Publisher) Destination() string { return p.cfg.Destination }

// Publish produces one event and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, event *cdc.ChangeEvent) error {
	result, err := p.PublishBatch(ctx, []*cdc.ChangeEvent{event})
	if err != nil {
		return err
	}
	if !result.AllPublished() {
		return result.Failed[0].Err
	}
	return nil
}

// PublishBatch produces events synchronously. franz-go preserves per-key
// order inside the idempotent producer, so records reach their partitions
// in batch order.
func (p *Publisher) PublishBatch(ctx context.Context, events []*cdc.ChangeEvent) (*cdc.BatchResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, cdc.ErrConnectionClosed
	}
	p.mu.Unlock()

	if len(events) == 0 {
		return &cdc.BatchResult{}, nil
	}

	records := make([]*kgo.Record, 0, len(events))
	spans := make([]func(), 0, len(events))
	for _, event := range events {
		spanCtx, span := tracing.StartPublishSpan(ctx, "kafka", event)
		spans = append(spans, func() { span.End() })

		topic := p.Topic(event)
		if err := p.ensureTopic(ctx, topic); err != nil {
			for _, end := range spans {
				end()
			}
			return nil, err
		}

		value, err := p.serializer.Serialize(event)
		if err != nil {
			for _, end := range spans {
				end()
			}
			return nil, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
		}

		record := &kgo.Record{
			Topic: topic,
			Key:   []byte(recordKey(event)),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "cdc.source", Value: []byte(event.Source)},
				{Key: "cdc.schema", Value: []byte(event.Schema)},
				{Key: "cdc.table", Value: []byte(event.Table)},
				{Key: "cdc.operation", Value: []byte(event.Operation)},
				{Key: "cdc.offset", Value: []byte(event.Offset)},
				{Key: "cdc.timestamp", Value: []byte(event.TimestampUTC.Format(time.RFC3339))},
			},
		}
		carrier := make(map[string]string)
		tracing.Inject(spanCtx, carrier)
		for k, v := range carrier {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, record)
	}
	defer func() {
		for _, end := range spans {
			end()
		}
	}()

	results := p.client.ProduceSync(ctx, records...)

	batch := &cdc.BatchResult{}
	for i, r := range results {
		if r.Err != nil {
			batch.Failed = append(batch.Failed, cdc.FailedEvent{
				EventID: events[i].ID,
				Offset:  events[i].Offset,
				Err:     fmt.Errorf("%w: %v", cdc.ErrDeliveryFailed, r.Err),
			})
			continue
		}
		batch.Published++
	}
	if len(batch.Failed) > 0 {
		err := fmt.Errorf("%w: %d of %d records unacknowledged", cdc.ErrDeliveryFailed, len(batch.Failed), len(records))
		p.setError(err)
		return batch, err
	}
	p.clearError()
	return batch, nil
}

// Topic renders the topic template for an event.
func (p *Publisher) Topic(event *cdc.ChangeEvent) string {
	replacer := strings.NewReplacer(
		"{source}", event.Source,
		"{schema}", event.Schema,
		"{table}", event.Table,
	)
	return replacer.Replace(p.topicTemplate)
}

// ensureTopic creates the topic once per publisher lifetime when the
// create_topic option is on. An already-exists response is fine; another
// producer may have won the race.
func (p *Publisher) ensureTopic(ctx context.Context, topic string) error {
	p.mu.Lock()
	if !p.creation || p.ensured[topic] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	partitions := int32(1)
	if raw := p.cfg.Option(optionPartitions, ""); raw != "" {
		var parsed int
		if _, err := fmt.Sscanf(raw, "%d", &parsed); err != nil || parsed < 1 {
			return fmt.Errorf("%w: invalid partitions %q", cdc.ErrInvalidConfiguration, raw)
		}
		partitions = int32(parsed)
	}

	admin := kadm.NewClient(p.client)
	_, err := admin.CreateTopic(ctx, partitions, -1, nil, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	if p.logger != nil {
		p.logger.Infof("Ensured kafka topic %s", topic)
	}

	p.mu.Lock()
	p.ensured[topic] = true
	p.mu.Unlock()
	return nil
}

func recordKey(event *cdc.ChangeEvent) string {
	if txID, ok := event.Metadata[cdc.MetadataTransactionID]; ok && txID != "" {
		return txID
	}
	return event.Schema + "." + event.Table
}

func (p *Publisher) setError(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

func (p *Publisher) clearError() {
	p.mu.Lock()
	p.lastErr = ""
	p.mu.Unlock()
}

func (p *Publisher) Health() cdc.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "connected"
	if p.closed {
		state = "closed"
	}
	return cdc.HealthStatus{
		Healthy:   !p.closed && p.lastErr == "",
		State:     state,
		LastError: p.lastErr,
	}
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.client.Flush(ctx); err != nil {
		p.client.Close()
		return fmt.Errorf("failed to flush kafka producer: %w", err)
	}
	p.client.Close()
	return nil
}
