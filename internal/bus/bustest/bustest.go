/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package bustest provides a fake bus.Channel for tests, mirroring the
// way the AMQP plugin hides its connection/channel behind narrow
// interfaces so callers can substitute a double instead of talking to a
// real broker.
package bustest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Published records one call to PublishWithContext.
type Published struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// FakeChannel implements bus.Channel entirely in memory. Every publish
// is auto-acked unless NextNack is set, so tests can exercise the
// broker-nack path deliberately. Every publish is confirmed at once, so
// the publish-confirm-timeout path cannot be reached through this fake.
type FakeChannel struct {
	mu         sync.Mutex
	Published  []Published
	confirms   chan amqp.Confirmation
	NextNack   bool
	closed     bool
}

// New returns a ready FakeChannel.
func New() *FakeChannel {
	return &FakeChannel{confirms: make(chan amqp.Confirmation, 16)}
}

func (f *FakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (f *FakeChannel) Confirm(noWait bool) error { return nil }

func (f *FakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return f.confirms
}

func (f *FakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.Published = append(f.Published, Published{Exchange: exchange, RoutingKey: key, Body: msg.Body})
	nack := f.NextNack
	f.NextNack = false
	f.mu.Unlock()

	f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.Published)), Ack: !nack}
	return nil
}

func (f *FakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Messages returns the bodies of every publish made to routingKey.
func (f *FakeChannel) Messages(routingKey string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, p := range f.Published {
		if p.RoutingKey == routingKey {
			out = append(out, p.Body)
		}
	}
	return out
}
