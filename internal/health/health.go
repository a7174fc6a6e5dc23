/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package health implements the liveness endpoint: a snapshot of the
// AMQP and Redis dependency state, returned as JSON and used by
// orchestrators to decide whether to keep routing traffic to this
// instance.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// AMQPHeartbeat is touched by the outbound delivery loop on every
// delivery it receives, as a sign the connection is alive, so the
// handler doesn't need direct access to the amqp091 connection.
type AMQPHeartbeat struct {
	lastNanos int64
	connected int32
}

// NewAMQPHeartbeat returns a heartbeat initialized to "now, connected".
func NewAMQPHeartbeat() *AMQPHeartbeat {
	h := &AMQPHeartbeat{connected: 1}
	h.Touch()
	return h
}

// Touch records the current time as the last time the connection was
// known good.
func (h *AMQPHeartbeat) Touch() {
	atomic.StoreInt64(&h.lastNanos, time.Now().UnixNano())
	atomic.StoreInt32(&h.connected, 1)
}

// SetDisconnected marks the connection as down.
func (h *AMQPHeartbeat) SetDisconnected() {
	atomic.StoreInt32(&h.connected, 0)
}

func (h *AMQPHeartbeat) snapshot() (connected bool, since time.Duration) {
	last := time.Unix(0, atomic.LoadInt64(&h.lastNanos))
	return atomic.LoadInt32(&h.connected) == 1, time.Since(last)
}

// RedisPinger is the narrow interface the Redis claim/dedup store
// exposes for a health check round trip.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Handler serves GET /.
type Handler struct {
	AMQP  *AMQPHeartbeat
	Redis RedisPinger // nil when REDIS_URL is unset
}

type dependencyStatus struct {
	Connection            string  `json:"connection"`
	TimeSinceLastHeartbeat float64 `json:"time_since_last_heartbeat,omitempty"`
	ResponseTime           float64 `json:"response_time,omitempty"`
}

type healthResponse struct {
	Status string            `json:"status"`
	AMQP   dependencyStatus  `json:"amqp"`
	Redis  *dependencyStatus `json:"redis,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ok := true

	connected, since := h.AMQP.snapshot()
	amqpStatus := dependencyStatus{TimeSinceLastHeartbeat: since.Seconds()}
	if connected {
		amqpStatus.Connection = "ok"
	} else {
		amqpStatus.Connection = "down"
		ok = false
	}

	resp := healthResponse{AMQP: amqpStatus}

	if h.Redis != nil {
		start := time.Now()
		err := h.Redis.Ping(r.Context())
		elapsed := time.Since(start).Seconds()
		status := &dependencyStatus{ResponseTime: elapsed}
		if err != nil {
			status.Connection = "down"
			ok = false
		} else {
			status.Connection = "ok"
		}
		resp.Redis = status
	}

	statusCode := http.StatusOK
	if ok {
		resp.Status = "ok"
	} else {
		resp.Status = "down"
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
