/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package bus owns the AMQP side of the bridge: a Publisher that declares
// the "vumi" exchange and publishes canonical messages/events onto it,
// and the session-timeout reaper that rides on top of it.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/praekeltfoundation/vxwhatsapp/internal/claims"
	"github.com/praekeltfoundation/vxwhatsapp/internal/obsmw"
	"github.com/praekeltfoundation/vxwhatsapp/internal/vumi"
)

// Exchange is the durable direct exchange every routing key lives on.
const Exchange = "vumi"

const (
	reaperInterval = time.Second
	reaperWindow   = 300 * time.Second
)

// Channel is the subset of *amqp091.Channel the Publisher needs, narrowed
// to an interface so tests can substitute bustest's fake.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher owns one AMQP channel and exposes the canonical
// message/event publish operations plus the claim-expiry reaper.
type Publisher struct {
	ch            Channel
	transportName string
	whatsAppNum   string
	publishTimeout time.Duration

	registry claims.Registry
	logger   *log.Logger

	confirms chan amqp.Confirmation

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
	mu           sync.Mutex
}

// New declares the exchange and puts the channel into publisher-confirm
// mode, then returns a ready-to-use Publisher.
func New(ch Channel, transportName, whatsAppNum string, publishTimeout time.Duration, registry claims.Registry, logger *log.Logger) (*Publisher, error) {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("bus: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("bus: enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &Publisher{
		ch:             ch,
		transportName:  transportName,
		whatsAppNum:    whatsAppNum,
		publishTimeout: publishTimeout,
		registry:       registry,
		logger:         logger,
		confirms:       confirms,
	}, nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, Exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", routingKey, err)
	}
	select {
	case confirm := <-p.confirms:
		if !confirm.Ack {
			return fmt.Errorf("bus: broker nacked publish to %s", routingKey)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus: publish confirm timeout on %s: %w", routingKey, ctx.Err())
	}
}

// PublishMessage encodes m and publishes it to "<transport_name>.inbound".
func (p *Publisher) PublishMessage(ctx context.Context, m vumi.Message) error {
	body, err := vumi.EncodeMessage(m)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.transportName+".inbound", body)
}

// PublishEvent encodes e and publishes it to "<transport_name>.event".
func (p *Publisher) PublishEvent(ctx context.Context, e vumi.Event) error {
	body, err := vumi.EncodeEvent(e)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.transportName+".event", body)
}

// StartReaper launches the cooperative periodic task that expires stale
// claims and synthesizes CLOSE messages for them. It is safe to call
// Teardown at any point afterwards, including before the first tick.
func (p *Publisher) StartReaper(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaperCancel != nil {
		return
	}
	reaperCtx, cancel := context.WithCancel(ctx)
	p.reaperCancel = cancel
	p.reaperDone = make(chan struct{})
	go p.runReaper(reaperCtx)
}

func (p *Publisher) runReaper(ctx context.Context) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one reaper sweep. Errors are swallowed: there is no retry
// state, so a failed tick is simply retried on the next one, and any
// claims already removed from the registry before the failure are lost
// (the registry and the bus are not transactional with each other).
func (p *Publisher) tick(ctx context.Context) {
	obsmw.ReaperTicks.Inc()
	cutoff := time.Now().Add(-reaperWindow)
	addresses, err := p.registry.ScanExpired(ctx, cutoff)
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("bus: reaper scan failed: %s", err)
		}
		return
	}
	if len(addresses) > 0 {
		obsmw.ReaperExpirations.Add(float64(len(addresses)))
	}
	for _, addr := range addresses {
		closeMsg := vumi.NewMessage(vumi.Message{
			ToAddr:        p.whatsAppNum,
			FromAddr:      addr,
			ToAddrType:    vumi.AddressTypeMSISDN,
			FromAddrType:  vumi.AddressTypeMSISDN,
			TransportName: p.transportName,
			TransportType: vumi.TransportTypeHTTPAPI,
			SessionEvent:  vumi.SessionEventClose,
		})
		if err := p.PublishMessage(ctx, closeMsg); err != nil && p.logger != nil {
			p.logger.Printf("bus: reaper publish for %s failed: %s", addr, err)
		}
	}
}

// Teardown cancels the reaper task and waits for its current tick (if
// any) to finish. It must be called before the underlying AMQP
// connection is closed, so the final in-flight tick doesn't fail on a
// closed channel.
func (p *Publisher) Teardown() {
	p.mu.Lock()
	cancel := p.reaperCancel
	done := p.reaperDone
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
