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

package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/event"
)

type spy struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (s *spy) Publish(e event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, e)
}

func (s *spy) received() []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Envelope(nil), s.envs...)
}

func TestEmit_SequenceIsMonotonic(t *testing.T) {
	r := event.NewReporter("ws", "job-1")
	sp := &spy{}
	r.Subscribe("sub", sp, 0)

	r.Emit(event.TypeStepStarting, event.StepStarting{Step: event.StepRef{ID: "build"}})
	r.Emit(event.TypeStepFinished, event.StepFinished{Step: event.StepRef{ID: "build"}})

	envs := sp.received()
	require.Len(t, envs, 2)
	assert.Equal(t, uint64(0), envs[0].Seq)
	assert.Equal(t, uint64(1), envs[1].Seq)
}

func TestEmit_StampsHeader(t *testing.T) {
	r := event.NewReporter("ws-1", "job-2")
	sp := &spy{}
	r.Subscribe("sub", sp, 0)

	r.Emit(event.TypePipelineStart, event.PipelineStart{
		Header: event.Header{Event: event.TypePipelineStart, WorkspaceID: "ws-1", JobID: "job-2"},
		Steps:  []event.StepRef{{ID: "build"}},
	})

	envs := sp.received()
	require.Len(t, envs, 1)
	assert.Equal(t, event.TypePipelineStart, envs[0].Type)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	r := event.NewReporter("ws", "job")
	sp := &spy{}
	r.Subscribe("sub", sp, 0)
	r.Unsubscribe("sub")

	r.Emit(event.TypeStepStarting, event.StepStarting{})
	assert.Empty(t, sp.received())
}

func TestIsDurable_ExcludesStepLog(t *testing.T) {
	assert.False(t, event.IsDurable(event.TypeStepLog))
	assert.True(t, event.IsDurable(event.TypeStepFinished))
}

func TestEmit_RateLimitsSubscriber(t *testing.T) {
	r := event.NewReporter("ws", "job-rate")
	sp := &spy{}
	// A burst of 2 events/sec: the first two sends are free, the third
	// has to wait for the limiter to refill.
	r.Subscribe("sub", sp, 2)

	start := time.Now()
	for i := 0; i < 3; i++ {
		r.Emit(event.TypeStepStarting, event.StepStarting{Step: event.StepRef{ID: "build"}})
	}
	elapsed := time.Since(start)

	require.Len(t, sp.received(), 3)
	assert.Greater(t, elapsed, 100*time.Millisecond, "third emit should have been throttled by the limiter")
}

func TestEmit_UnlimitedSubscriberNeverBlocks(t *testing.T) {
	r := event.NewReporter("ws", "job-unlimited")
	sp := &spy{}
	r.Subscribe("sub", sp, 0)

	start := time.Now()
	for i := 0; i < 50; i++ {
		r.Emit(event.TypeStepStarting, event.StepStarting{Step: event.StepRef{ID: "build"}})
	}
	elapsed := time.Since(start)

	require.Len(t, sp.received(), 50)
	assert.Less(t, elapsed, 100*time.Millisecond, "an eventsPerSecond=0 subscriber must not be throttled")
}
