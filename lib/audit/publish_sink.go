// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
)

// DefaultTopic is where PublishSink sends envelopes unless configured
// otherwise.
const DefaultTopic = "abi.audit.events"

// Publisher is the message-bus capability PublishSink needs. The
// transport adapter that implements it lives outside the trust core.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, data []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, data []byte) error {
	return f(ctx, topic, data)
}

// PublishSink publishes each envelope's CBOR encoding to a topic.
type PublishSink struct {
	publisher Publisher
	topic     string
}

// NewPublishSink returns a sink publishing to topic, or DefaultTopic
// when topic is empty.
func NewPublishSink(publisher Publisher, topic string) *PublishSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &PublishSink{publisher: publisher, topic: topic}
}

func (s *PublishSink) Append(ctx context.Context, envelope Envelope) error {
	data, err := envelope.Marshal()
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.topic, data); err != nil {
		return fmt.Errorf("audit: publishing envelope %d to %s: %w", envelope.Sequence, s.topic, err)
	}
	return nil
}

// Topic returns the destination topic.
func (s *PublishSink) Topic() string { return s.topic }

func (s *PublishSink) Close() error { return nil }
