/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package fanout delivers committed change events to websocket subscribers.
//
// The dispatcher keeps a registry of live sessions per topic and pushes each
// incoming event into every matching session's bounded send queue. A slow
// consumer never blocks the dispatcher or its peers: when a session's queue
// is full the oldest queued frame is dropped and the next delivered frame
// carries a gap marker, telling the client it must re-sync that topic.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtexx/fabricia/internal/cache"
	applog "github.com/xtexx/fabricia/internal/log"
)

const (
	// writeWait bounds a single frame or control write.
	writeWait = 10 * time.Second
	// pongDelay is how long a client may stay silent before the server
	// considers it gone. It must exceed pingPeriod.
	pongDelay = 90 * time.Second
	// pingPeriod is the interval between server pings.
	pingPeriod = 30 * time.Second

	defaultSendBuffer = 64
)

// Frame is one message on the wire to a subscriber. Seq is the per-topic
// sequence minted at publish time. Gap reports that at least one earlier
// frame on this topic was dropped for this session.
type Frame struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Gap     bool            `json:"gap,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// session is one websocket subscriber. The queue channel is the bounded
// send buffer; enqueue never blocks.
type session struct {
	conn   *websocket.Conn
	topics map[string]struct{}

	mu      sync.Mutex
	queue   chan Frame
	dropped uint64

	done     chan struct{}
	doneOnce sync.Once
}

func (s *session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// enqueue adds f to the send queue, dropping the oldest queued frame when
// the buffer is full. The frame delivered after a drop carries Gap.
func (s *session) enqueue(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.queue <- f:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped++
			f.Gap = true
		default:
			// Writer drained the queue between the two selects.
		}
	}
}

// Dispatcher routes events from the pub/sub tier to registered sessions.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
	byTopic  map[string]map[*session]struct{}
	closed   bool

	buffer int
	log    *slog.Logger
}

// New builds a dispatcher whose sessions buffer up to sendBuffer frames.
// A non-positive sendBuffer selects the default.
func New(sendBuffer int) *Dispatcher {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Dispatcher{
		sessions: make(map[*session]struct{}),
		byTopic:  make(map[string]map[*session]struct{}),
		buffer:   sendBuffer,
		log:      applog.WithComponent("fanout"),
	}
}

// Run consumes events until the channel closes or ctx is cancelled, then
// shuts every session down. It is the dispatcher's main loop and is meant
// to be run in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context, events <-chan cache.Event) {
	defer d.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.dispatch(ev)
		}
	}
}

// dispatch fans one event out to every session subscribed to its topic.
// The registry lock is held only while snapshotting the target set, never
// across queue operations.
func (d *Dispatcher) dispatch(ev cache.Event) {
	d.mu.Lock()
	set := d.byTopic[ev.Topic]
	targets := make([]*session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	d.mu.Unlock()

	f := Frame{Topic: ev.Topic, Seq: ev.Seq, Payload: ev.Payload}
	for _, s := range targets {
		s.enqueue(f)
	}
}

func (d *Dispatcher) register(s *session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("fanout: dispatcher closed")
	}
	d.sessions[s] = struct{}{}
	for topic := range s.topics {
		set := d.byTopic[topic]
		if set == nil {
			set = make(map[*session]struct{})
			d.byTopic[topic] = set
		}
		set[s] = struct{}{}
	}
	return nil
}

func (d *Dispatcher) unregister(s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, s)
	for topic := range s.topics {
		set := d.byTopic[topic]
		delete(set, s)
		if len(set) == 0 {
			delete(d.byTopic, topic)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	all := make([]*session, 0, len(d.sessions))
	for s := range d.sessions {
		all = append(all, s)
	}
	d.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// Sessions reports the number of live sessions.
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// ServeConn runs one subscriber connection to completion: it registers the
// session for topics, streams queued frames, and maintains liveness with
// pings. It blocks until the client goes away, ctx is cancelled, or the
// dispatcher shuts down, and always closes conn before returning.
func (d *Dispatcher) ServeConn(ctx context.Context, conn *websocket.Conn, topics []string) error {
	defer conn.Close()
	if len(topics) == 0 {
		return errors.New("fanout: no topics requested")
	}
	s := &session{
		conn:   conn,
		topics: make(map[string]struct{}, len(topics)),
		queue:  make(chan Frame, d.buffer),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	if err := d.register(s); err != nil {
		return err
	}
	defer d.unregister(s)

	log := d.log.With(slog.String("remote", conn.RemoteAddr().String()))
	log.Debug("session open", slog.Int("topics", len(topics)))

	// The read side exists only to process pongs and notice the client
	// closing; subscribers send nothing after the handshake.
	_ = conn.SetReadDeadline(time.Now().Add(pongDelay))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongDelay))
	})
	go func() {
		defer s.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			log.Debug("session closed", slog.Uint64("dropped", s.droppedCount()))
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Expected when the other end goes away.
				log.Debug("ping failed", slog.String("error", err.Error()))
				return nil
			}
		case f := <-s.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				if !isClosedConn(err) {
					log.Warn("write failed", slog.String("error", err.Error()))
				}
				return nil
			}
		}
	}
}

func (s *session) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func isClosedConn(err error) bool {
	var ne net.Error
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) ||
		errors.As(err, &ne) ||
		errors.Is(err, net.ErrClosed)
}
