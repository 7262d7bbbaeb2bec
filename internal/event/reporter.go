// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Publisher is anything that can accept an already-sequenced envelope,
// e.g. a durable log, a daemon connection's NDJSON writer, or a test
// spy. Publish must not block indefinitely — a slow subscriber should
// not stall the single-writer event path.
type Publisher interface {
	Publish(Envelope)
}

// Reporter assigns each event a strictly increasing sequence number and
// fans it out to every subscribed Publisher. A single Reporter is owned
// by one job's runner goroutine, so sequencing requires no locking
// beyond the subscriber list itself.
type Reporter struct {
	workspaceID string
	jobID       string

	mu   sync.Mutex
	subs map[string]*subscriber
	seq  uint64
}

type subscriber struct {
	pub     Publisher
	limiter *rate.Limiter
}

// NewReporter returns a Reporter that stamps every event with
// workspaceID and jobID.
func NewReporter(workspaceID, jobID string) *Reporter {
	return &Reporter{workspaceID: workspaceID, jobID: jobID, subs: make(map[string]*subscriber)}
}

// Subscribe registers pub to receive every published envelope, rate
// limited to eventsPerSecond with a burst of the same size so a
// subscriber reconnecting after a gap does not get flooded replaying a
// backlog. A zero eventsPerSecond disables rate limiting.
func (r *Reporter) Subscribe(id string, pub Publisher, eventsPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &subscriber{pub: pub}
	if eventsPerSecond > 0 {
		sub.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond))
	}
	r.subs[id] = sub
}

// Unsubscribe removes a subscriber.
func (r *Reporter) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Header returns the common envelope header stamped with this
// reporter's workspace and job ids, for callers constructing a typed
// event to embed.
func (r *Reporter) Header(t Type) Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Header{Event: t, WorkspaceID: r.workspaceID, JobID: r.jobID}
}

// SetJob points the reporter at a new job id and resets its sequence
// counter, for a runner that reuses one Reporter across successive
// pipeline runs against the same workspace.
func (r *Reporter) SetJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobID = jobID
	r.seq = 0
}

// Emit assigns the next sequence number to evt, wraps it in an
// envelope, and fans it out to every subscriber. STEP_LOG events are
// still delivered live but callers that persist a durable stream should
// check evt's type and skip STEP_LOG when writing to it.
func (r *Reporter) Emit(t Type, evt any) Envelope {
	body, _ := json.Marshal(evt)

	r.mu.Lock()
	seq := r.seq
	r.seq++
	env := Envelope{
		Seq:       seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Version:   1,
		Type:      t,
		Event:     body,
	}
	subs := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if s.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.limiter.Wait(ctx)
			cancel()
		}
		s.pub.Publish(env)
	}
	return env
}

// IsDurable reports whether an event type belongs on the durable
// stream. STEP_LOG is excluded — stdout.log/stderr.log on disk are the
// canonical record for log lines.
func IsDurable(t Type) bool {
	return t != TypeStepLog
}
