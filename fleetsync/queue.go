// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// WorkMessage is the scheduler → worker unit of work: an opaque user identity
// plus the pass timestamp it was queued at. Delivery is at-least-once; workers
// must tolerate duplicates (the claim CAS makes them harmless).
type WorkMessage struct {
	UserID   string    `json:"user_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// PollTaskMessage asks a poll consumer to run one (service, shard) poll.
type PollTaskMessage struct {
	Service string `json:"service"`
	Index   int    `json:"index"`
}

// RemoteTriggerMessage carries a push notification: external account ids that
// have new data upstream, each optionally with an opaque payload.
type RemoteTriggerMessage struct {
	Service     string                     `json:"service"`
	ExternalIDs []string                   `json:"external_ids"`
	Payloads    map[string]json.RawMessage `json:"payloads,omitempty"`
}

// HostTopic returns the topic a host-restricted user is routed to. The broker's
// topic routing enforces host affinity; workers never filter messages themselves.
func HostTopic(base, host string) string {
	return base + "." + host
}

// Publisher writes fleet messages with publisher confirms (RequireAll): a
// message is only considered published once the broker acknowledges it.
type Publisher struct {
	writer *kgo.Writer
}

func NewPublisher(brokers []string) *Publisher {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireAll,
	}
	return &Publisher{writer: w}
}

func (p *Publisher) Close() error { return p.writer.Close() }

// PublishWork routes one user onto the work queue. An empty host restriction
// goes to the shared topic; a restricted user goes to that host's topic.
func (p *Publisher) PublishWork(ctx context.Context, baseTopic, hostRestriction string, msg WorkMessage) error {
	topic := baseTopic
	if hostRestriction != "" {
		topic = HostTopic(baseTopic, hostRestriction)
	}
	return p.publishJSON(ctx, topic, msg.UserID, msg)
}

// PublishPollTask dispatches an asynchronous poll task for a (service, shard).
func (p *Publisher) PublishPollTask(ctx context.Context, topic string, msg PollTaskMessage) error {
	return p.publishJSON(ctx, topic, fmt.Sprintf("%s-%d", msg.Service, msg.Index), msg)
}

// PublishRemoteTrigger enqueues a push notification for ingestion.
func (p *Publisher) PublishRemoteTrigger(ctx context.Context, topic string, msg RemoteTriggerMessage) error {
	return p.publishJSON(ctx, topic, msg.Service, msg)
}

func (p *Publisher) publishJSON(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kgo.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

// Consumer is a manual-commit group reader. Callers commit only after
// processing, so a crash before commit redelivers the message.
type Consumer struct {
	reader *kgo.Reader
}

// NewWorkConsumer subscribes to the shared work topic plus this host's own
// topic, so host-pinned users are only ever delivered here.
func NewWorkConsumer(brokers []string, baseTopic, host, groupID string) *Consumer {
	return newConsumer(kgo.ReaderConfig{
		Brokers:        brokers,
		GroupTopics:    []string{baseTopic, HostTopic(baseTopic, host)},
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
}

func NewTopicConsumer(brokers []string, topic, groupID string) *Consumer {
	return newConsumer(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

func newConsumer(cfg kgo.ReaderConfig) *Consumer {
	return &Consumer{reader: kgo.NewReader(cfg)}
}

func (c *Consumer) Close() error { return c.reader.Close() }

// Fetch blocks for the next message and returns its raw value with a commit
// function to call after successful processing. Undecodable messages are
// committed immediately so the group doesn't wedge on them.
func (c *Consumer) Fetch(ctx context.Context, v any) (func(context.Context) error, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.Value, v); err != nil {
		_ = c.reader.CommitMessages(ctx, m)
		return nil, fmt.Errorf("decode message on %s: %w", m.Topic, err)
	}
	commit := func(cctx context.Context) error {
		cc, cancel := context.WithTimeout(cctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cc, m)
	}
	return commit, nil
}
