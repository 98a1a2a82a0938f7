package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic, qos, retained, payload})
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.topic)
	}
	return out
}

type fakeSource struct {
	*sensing.Store
	mu     sync.Mutex
	status driver.Status
}

func (s *fakeSource) Status() driver.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Sequence = s.Sequence()
	return st
}

func (s *fakeSource) setState(st driver.State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
}

func newSource() *fakeSource {
	return &fakeSource{
		Store:  sensing.NewStore(),
		status: driver.Status{State: driver.Running, Initialized: true, Features: []string{"face"}},
	}
}

func sampleSnapshot(store *sensing.Store) sensing.Snapshot {
	store.Publish(sensing.Frame{
		SessionID:  "abc",
		CapturedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Faces: []sensing.Face{{
			Position: sensing.Point{X: 100, Y: 80}, Size: 70, Confidence: 900, TrackingID: 3,
			Age: 34, AgeState: sensing.StateComplete, Gender: sensing.GenderFemale,
			Expression: sensing.ExpressionHappiness, ExpressionScores: [sensing.ExpressionScoreCount]int{0, 80, 10, 5, 5},
		}},
		Bodies: []sensing.Body{{Position: sensing.Point{X: 90, Y: 200}, Size: 180, TrackingID: 4}},
	})
	return store.Snapshot()
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, FormatMsgpack, f)
	assert.Equal(t, "msgpack", f.String())

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	src := newSource()
	want := sampleSnapshot(src.Store)

	for _, f := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(f.String(), func(t *testing.T) {
			payload, err := Encode(want, f)
			require.NoError(t, err)
			got, err := Decode(payload, f)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}

	j, _ := Encode(want, FormatJSON)
	m, _ := Encode(want, FormatMsgpack)
	assert.Less(t, len(m), len(j))
}

func TestPoll(t *testing.T) {
	src := newSource()
	pub := &fakePublisher{}
	e := New(pub, src, Options{Topic: "lobby/cam1/", QoS: 1})
	assert.Equal(t, "lobby/cam1/snapshot", e.SnapshotTopic())

	// No frame yet: only the status goes out, retained.
	require.NoError(t, e.Poll())
	require.Equal(t, []string{"lobby/cam1/status"}, pub.topics())
	assert.True(t, pub.msgs[0].retained)
	assert.Equal(t, byte(1), pub.msgs[0].qos)

	sampleSnapshot(src.Store)
	require.NoError(t, e.Poll())
	require.NoError(t, e.Poll())
	assert.Equal(t, []string{"lobby/cam1/status", "lobby/cam1/snapshot"}, pub.topics(),
		"sequence and counters moving must not republish the status")

	snap, err := Decode(pub.msgs[1].payload, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.False(t, pub.msgs[1].retained)

	src.setState(driver.Stopped)
	require.NoError(t, e.Poll())
	assert.Equal(t, "lobby/cam1/status", pub.topics()[2])
	assert.Contains(t, string(pub.msgs[2].payload), `"state":"stopped"`)

	assert.Equal(t, Stats{Snapshots: 1, Statuses: 2}, e.Stats())
}

func TestPollRetriesAfterFailure(t *testing.T) {
	src := newSource()
	sampleSnapshot(src.Store)
	pub := &fakePublisher{err: errors.New("broker gone")}
	e := New(pub, src, Options{Format: FormatMsgpack})

	err := e.Poll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
	assert.Equal(t, uint64(1), e.Stats().Errors)

	pub.err = nil
	require.NoError(t, e.Poll())
	assert.Equal(t, []string{"presence/status", "presence/snapshot"}, pub.topics())
	snap, err := Decode(pub.msgs[1].payload, FormatMsgpack)
	require.NoError(t, err)
	assert.Equal(t, 34, snap.Faces[0].Age)
}

func TestRun(t *testing.T) {
	src := newSource()
	pub := &fakePublisher{}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	e := New(pub, src, Options{Clock: clock, Interval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	require.True(t, clock.WaitForTicker(time.Second))

	sampleSnapshot(src.Store)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return e.Stats().Snapshots == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDialTimeout(t *testing.T) {
	_, err := Dial(context.Background(), MQTTOptions{
		Broker:   "tcp://127.0.0.1:1",
		ClientID: "presence-test",
		Timeout:  50 * time.Millisecond,
	})
	assert.Error(t, err)
}
