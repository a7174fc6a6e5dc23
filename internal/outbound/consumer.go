/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package outbound consumes the "<transport_name>.outbound" queue,
// renders each canonical message into a provider API call, and
// submits it with the documented retry/requeue and missing-contact
// recovery policy.
package outbound

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/praekeltfoundation/vxwhatsapp/internal/claims"
	"github.com/praekeltfoundation/vxwhatsapp/internal/obsmw"
	"github.com/praekeltfoundation/vxwhatsapp/internal/turnapi"
	"github.com/praekeltfoundation/vxwhatsapp/internal/vumi"
)

const redeliveryBackoff = 500 * time.Millisecond

// Delivery is the narrow view of an AMQP delivery the consumer needs,
// so tests can exercise the ack/requeue decision table without a real
// broker.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	Reject(requeue bool) error
}

// Sender is the HTTP collaborator the consumer submits rendered
// messages through.
type Sender interface {
	SendMessage(ctx context.Context, path string, body map[string]interface{}, headers map[string]string) ([]byte, error)
	ProbeContact(ctx context.Context, to string) (bool, error)
}

// Consumer pulls deliveries off the outbound queue and submits them to
// the provider.
type Consumer struct {
	Sender     Sender
	Media      *MediaCache
	Claims     claims.Registry
	Logger     *log.Logger
	Deliveries <-chan Delivery

	// Concurrency bounds how many deliveries are submitted to the
	// provider at once. Fewer than 1 is treated as 1, so a zero-value
	// Consumer still makes progress.
	Concurrency int
}

func (c *Consumer) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Run starts Concurrency workers pulling off Deliveries and blocks
// until ctx is cancelled and every worker has returned. Each worker
// processes one delivery at a time, so up to Concurrency HTTP calls to
// the provider are in flight simultaneously — the broker-side prefetch
// (Channel.Qos) bounds how many unacked deliveries are buffered ahead
// of that.
func (c *Consumer) Run(ctx context.Context) {
	workers := c.Concurrency
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			c.runWorker(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.Deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logf("outbound: panic handling delivery, dropping: %v", r)
			if err := d.Reject(false); err != nil {
				c.logf("outbound: reject failed: %s", err)
			}
		}
	}()

	m, err := vumi.DecodeMessage(d.Body())
	if err != nil {
		c.logf("outbound: invalid message body, dropping: %s", err)
		if err := d.Reject(false); err != nil {
			c.logf("outbound: reject failed: %s", err)
		}
		return
	}

	if err := c.submit(ctx, m); err != nil {
		var statusErr *turnapi.StatusError
		if errors.As(err, &statusErr) {
			c.handleStatusError(d, statusErr)
			return
		}
		// Transport-level failure: requeue and back off if this was
		// already a redelivery, so a single bad instance doesn't spin
		// a delivery in a tight retry loop.
		c.logf("outbound: submit failed, requeueing: %s", err)
		if d.Redelivered() {
			time.Sleep(redeliveryBackoff)
		}
		if err := d.Reject(true); err != nil {
			c.logf("outbound: reject(requeue) failed: %s", err)
		}
		return
	}

	if err := d.Ack(); err != nil {
		c.logf("outbound: ack failed: %s", err)
	}
}

func (c *Consumer) handleStatusError(d Delivery, statusErr *turnapi.StatusError) {
	switch {
	case statusErr.StatusCode >= 500:
		c.logf("outbound: upstream %d, requeueing", statusErr.StatusCode)
		if d.Redelivered() {
			time.Sleep(redeliveryBackoff)
		}
		if err := d.Reject(true); err != nil {
			c.logf("outbound: reject(requeue) failed: %s", err)
		}
	case statusErr.StatusCode == 404:
		// handled by submit's own recovery attempt; reaching here means
		// the recovery retry itself failed.
		c.logf("outbound: contact recovery retry failed with 404, dropping")
		obsmw.CaptureOutboundError(statusErr)
		if err := d.Reject(false); err != nil {
			c.logf("outbound: reject failed: %s", err)
		}
	default:
		c.logf("outbound: upstream %d, dropping", statusErr.StatusCode)
		obsmw.CaptureOutboundError(statusErr)
		if err := d.Reject(false); err != nil {
			c.logf("outbound: reject failed: %s", err)
		}
	}
}

// submit renders m and posts it, recovering once from a 404 by
// probing /v1/contacts and retrying exactly once if the contact turns
// out to be valid.
func (c *Consumer) submit(ctx context.Context, m vumi.Message) error {
	req, err := render(ctx, m, c.Claims, c.Media)
	if err != nil {
		return err
	}

	_, err = c.Sender.SendMessage(ctx, req.Path, req.Body, req.Headers)
	if err == nil {
		return nil
	}

	var statusErr *turnapi.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 404 {
		return err
	}

	to := "+" + strings.TrimPrefix(m.ToAddr, "+")
	valid, probeErr := c.Sender.ProbeContact(ctx, to)
	if probeErr != nil {
		return probeErr
	}
	if !valid {
		c.logf("outbound: contact %s not valid, dropping message", m.ToAddr)
		return nil
	}

	_, err = c.Sender.SendMessage(ctx, req.Path, req.Body, req.Headers)
	return err
}
