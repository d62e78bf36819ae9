// Package redpanda moves clinic events through Redpanda: a producer for the
// outbox relay, a group consumer for workers and topic administration.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics used by the clinic services.
const (
	TopicRecordChanges      = "clinic.record-changes"
	TopicSubmissionEvents   = "submission.events"
	TopicNotificationsEmail = "notifications.email"
	TopicDeadLetter         = "dead.letter"
)

// TopicSpec describes one topic the services expect.
type TopicSpec struct {
	Name       string
	Partitions int32
	Retention  time.Duration
	// Compression is the broker-side codec, empty for the producer's.
	Compression string
}

// Specs is the clinic topic layout.
var Specs = []TopicSpec{
	{Name: TopicRecordChanges, Partitions: 6, Retention: 24 * time.Hour, Compression: "lz4"},
	{Name: TopicSubmissionEvents, Partitions: 6, Retention: 30 * 24 * time.Hour, Compression: "lz4"},
	{Name: TopicNotificationsEmail, Partitions: 3, Retention: 7 * 24 * time.Hour},
	{Name: TopicDeadLetter, Partitions: 1, Retention: 14 * 24 * time.Hour},
}

// Configs returns the topic-level settings passed on creation.
func (s TopicSpec) Configs() map[string]*string {
	str := func(v string) *string { return &v }
	cfg := map[string]*string{
		"cleanup.policy": str("delete"),
		"retention.ms":   str(strconv.FormatInt(s.Retention.Milliseconds(), 10)),
	}
	if s.Compression != "" {
		cfg["compression.type"] = str(s.Compression)
	}
	return cfg
}

// Admin manages topics and reads consumer group lag.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// Close releases the connection.
func (a *Admin) Close() {
	a.client.Close()
}

// Missing returns the specs whose topic is not in existing.
func Missing(specs []TopicSpec, existing map[string]int32) []TopicSpec {
	var out []TopicSpec
	for _, s := range specs {
		if _, ok := existing[s.Name]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// EnsureTopics creates the clinic topics that do not exist yet. Existing
// topics are left alone; a partition count below TopicSpec.Partitions is logged.
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) error {
	if replication <= 0 {
		replication = 1
	}
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	existing := make(map[string]int32, len(details))
	for name, d := range details {
		existing[name] = int32(len(d.Partitions))
	}

	for _, s := range Specs {
		if n, ok := existing[s.Name]; ok && n < s.Partitions {
			a.logger.Warn("topic has fewer partitions than expected",
				zap.String("topic", s.Name),
				zap.Int32("partitions", n),
				zap.Int32("expected", s.Partitions))
		}
	}

	var errs []error
	for _, s := range Missing(Specs, existing) {
		resp, err := a.client.CreateTopic(ctx, s.Partitions, replication, s.Configs(), s.Name)
		switch {
		case err == nil && resp.Err == nil:
			a.logger.Info("topic created", zap.String("topic", s.Name), zap.Int32("partitions", s.Partitions))
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
			// Created concurrently by another instance.
		case err != nil:
			errs = append(errs, fmt.Errorf("create %s: %w", s.Name, err))
		default:
			errs = append(errs, fmt.Errorf("create %s: %w", s.Name, resp.Err))
		}
	}
	return errors.Join(errs...)
}

// ListTopics returns topic names in sorted order.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// PartitionLag is the distance between a group's commit and the log end.
type PartitionLag struct {
	Topic     string
	Partition int32
	Lag       int64
}

// GroupLag returns the lag of groupID on every partition it consumes,
// ordered by topic then partition.
func (a *Admin) GroupLag(ctx context.Context, groupID string) ([]PartitionLag, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group lag: %w", err)
	}
	var out []PartitionLag
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for p, m := range partitions {
				out = append(out, PartitionLag{Topic: topic, Partition: p, Lag: m.Lag})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}
