/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package outbound

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpDelivery adapts amqp091.Delivery to the Consumer's narrow
// Delivery interface.
type amqpDelivery struct {
	d amqp.Delivery
}

// WrapDelivery adapts a real AMQP delivery for Consumer.
func WrapDelivery(d amqp.Delivery) Delivery {
	return amqpDelivery{d: d}
}

func (a amqpDelivery) Body() []byte      { return a.d.Body }
func (a amqpDelivery) Redelivered() bool { return a.d.Redelivered }
func (a amqpDelivery) Ack() error        { return a.d.Ack(false) }

func (a amqpDelivery) Reject(requeue bool) error {
	return a.d.Reject(requeue)
}
