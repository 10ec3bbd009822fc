// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-kit/log"
)

func TestProducerForward(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, producerConfig())
	mp.ExpectInputAndSucceed()
	mp.ExpectInputAndSucceed()

	p := newProducerWith(mp, log.NewNopLogger())
	p.Forward("detections", "band-120", []byte(`{"obj_id":"ZTF-A"}`))
	p.Forward("detections", "", []byte(`{"obj_id":"LSST-B"}`))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducerSurvivesBrokerRejection(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, producerConfig())
	mp.ExpectInputAndFail(errors.New("broker says no"))
	mp.ExpectInputAndSucceed()

	p := newProducerWith(mp, log.NewNopLogger())
	p.Forward("detections", "a", []byte(`{}`))
	p.Forward("detections", "b", []byte(`{}`))
	// Close drains the error loop; a rejection must not hang or panic.
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHopskotchPublish(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndFail(errors.New("unreachable"))

	h := newHopskotchWith(sp, log.NewNopLogger())
	h.Publish("tarxiv.xmatch", map[string]string{"xmatch_id": "TXV-2025-000001"})
	// A failed publish is logged and dropped, never returned.
	h.Publish("tarxiv.xmatch", map[string]string{"xmatch_id": "TXV-2025-000002"})
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

// fakeSession records marks and commits for the claim runner tests.
type fakeSession struct {
	ctx context.Context

	mtx     sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "test-member" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.commits++
}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "spark-sink" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestClaimRunnerCommitsAfterHandler(t *testing.T) {
	var handled []int64
	cg := &ConsumerGroup{
		group:  "xmatch_group",
		logger: log.NewNopLogger(),
		handler: func(_ context.Context, msg *sarama.ConsumerMessage) error {
			handled = append(handled, msg.Offset)
			if msg.Offset == 1 {
				return errors.New("poison message")
			}
			return nil
		},
	}

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	for i := int64(0); i < 3; i++ {
		claim.msgs <- &sarama.ConsumerMessage{Topic: "spark-sink", Offset: i}
	}
	close(claim.msgs)

	session := &fakeSession{ctx: context.Background()}
	runner := &claimRunner{parent: cg, ctx: context.Background()}
	if err := runner.ConsumeClaim(session, claim); err != nil {
		t.Fatal(err)
	}

	if len(handled) != 3 {
		t.Fatalf("handled %d messages, want 3", len(handled))
	}
	// The poison message at offset 1 is still marked so the partition moves on.
	if len(session.marked) != 3 || session.commits != 3 {
		t.Errorf("marked %d, committed %d times, want 3 and 3", len(session.marked), session.commits)
	}
}

// fakeOffsetLookup serves partition lists and offsets-for-time; partitions
// missing from offsets have no message at or after the cutoff.
type fakeOffsetLookup struct {
	partitions map[string][]int32
	offsets    map[string]int64
}

func (f *fakeOffsetLookup) Partitions(topic string) ([]int32, error) {
	return f.partitions[topic], nil
}

func (f *fakeOffsetLookup) GetOffset(topic string, partition int32, _ int64) (int64, error) {
	if off, ok := f.offsets[fmt.Sprintf("%s/%d", topic, partition)]; ok {
		return off, nil
	}
	return -1, nil
}

type fakePartitionOffsets struct {
	resets []int64
	closed bool
}

func (p *fakePartitionOffsets) NextOffset() (int64, string) { return 0, "" }
func (p *fakePartitionOffsets) MarkOffset(int64, string)    {}
func (p *fakePartitionOffsets) ResetOffset(offset int64, _ string) {
	p.resets = append(p.resets, offset)
}
func (p *fakePartitionOffsets) Errors() <-chan *sarama.ConsumerError { return nil }
func (p *fakePartitionOffsets) AsyncClose()                          { p.closed = true }
func (p *fakePartitionOffsets) Close() error                         { p.closed = true; return nil }

type fakeOffsetCommitter struct {
	managed map[string]*fakePartitionOffsets
	commits int
}

func (f *fakeOffsetCommitter) ManagePartition(topic string, partition int32) (sarama.PartitionOffsetManager, error) {
	pom := &fakePartitionOffsets{}
	f.managed[fmt.Sprintf("%s/%d", topic, partition)] = pom
	return pom, nil
}

func (f *fakeOffsetCommitter) Commit() { f.commits++ }

func TestRewindOffsetsResetsEachPartition(t *testing.T) {
	lookup := &fakeOffsetLookup{
		partitions: map[string][]int32{"spark-sink": {0, 1, 2}},
		offsets: map[string]int64{
			"spark-sink/0": 40,
			"spark-sink/1": 7,
		},
	}
	om := &fakeOffsetCommitter{managed: map[string]*fakePartitionOffsets{}}

	if err := rewindOffsets(lookup, om, []string{"spark-sink"}, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if om.commits != 1 {
		t.Errorf("commits = %d, want 1", om.commits)
	}
	for key, want := range map[string]int64{"spark-sink/0": 40, "spark-sink/1": 7} {
		pom := om.managed[key]
		if pom == nil || len(pom.resets) != 1 || pom.resets[0] != want {
			t.Errorf("%s: resets = %+v, want [%d]", key, pom, want)
			continue
		}
		if !pom.closed {
			t.Errorf("%s: partition manager left open", key)
		}
	}
	// Partition 2 has nothing past the cutoff; its committed offset stays.
	if _, ok := om.managed["spark-sink/2"]; ok {
		t.Error("empty partition was reset")
	}
}

func TestClaimRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cg := &ConsumerGroup{
		group:   "xmatch_group",
		logger:  log.NewNopLogger(),
		handler: func(context.Context, *sarama.ConsumerMessage) error { return nil },
	}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}
	session := &fakeSession{ctx: ctx}
	runner := &claimRunner{parent: cg, ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- runner.ConsumeClaim(session, claim) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
