// Package emitter publishes detection snapshots and driver status to an
// MQTT broker.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Format is the snapshot payload encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "json"
}

// ParseFormat accepts json and msgpack.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	}
	return 0, fmt.Errorf("unknown payload format %q", s)
}

// Publisher sends one message. MQTTPublisher is the production one.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Source is the driver surface the emitter polls.
type Source interface {
	Sequence() uint64
	Snapshot() sensing.Snapshot
	Status() driver.Status
}

// Options configures an Emitter.
type Options struct {
	Topic    string
	Format   Format
	QoS      byte
	Interval time.Duration
	Clock    timeutil.Clock
}

// Emitter publishes each new snapshot to <topic>/snapshot and the driver
// status, retained, to <topic>/status whenever it changes.
type Emitter struct {
	pub  Publisher
	src  Source
	opts Options

	lastSeq    uint64
	lastStatus statusKey
	sentStatus bool

	mu    sync.Mutex
	stats Stats
}

// Stats counts published messages and failures.
type Stats struct {
	Snapshots uint64 `json:"snapshots"`
	Statuses  uint64 `json:"statuses"`
	Errors    uint64 `json:"errors"`
}

// New returns an emitter. Topic defaults to "presence" and Interval to
// 100ms.
func New(pub Publisher, src Source, opts Options) *Emitter {
	opts.Topic = baseTopic(opts.Topic)
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Emitter{pub: pub, src: src, opts: opts}
}

func baseTopic(t string) string {
	t = strings.TrimSuffix(t, "/")
	if t == "" {
		return "presence"
	}
	return t
}

// StatusTopicFor returns the status topic under base, for use as the
// connection's last will.
func StatusTopicFor(base string) string { return baseTopic(base) + "/status" }

// SnapshotTopic is where snapshots go.
func (e *Emitter) SnapshotTopic() string { return e.opts.Topic + "/snapshot" }

// StatusTopic is where status changes go.
func (e *Emitter) StatusTopic() string { return StatusTopicFor(e.opts.Topic) }

// Run polls until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	t := e.opts.Clock.NewTicker(e.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if err := e.Poll(); err != nil {
				monitoring.Logf("emitter: %v", err)
			}
		}
	}
}

// Poll publishes the status if it changed and the snapshot if it is new.
// A failed publish is retried on the next poll.
func (e *Emitter) Poll() error {
	if err := e.pollStatus(); err != nil {
		return err
	}
	return e.pollSnapshot()
}

func (e *Emitter) pollStatus() error {
	st := e.src.Status()
	key := keyOf(st)
	if e.sentStatus && key.equal(e.lastStatus) {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := e.pub.Publish(e.StatusTopic(), e.opts.QoS, true, payload); err != nil {
		e.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("publish status: %w", err)
	}
	e.lastStatus, e.sentStatus = key, true
	e.count(func(s *Stats) { s.Statuses++ })
	return nil
}

func (e *Emitter) pollSnapshot() error {
	seq := e.src.Sequence()
	if seq == 0 || seq == e.lastSeq {
		return nil
	}
	snap := e.src.Snapshot()
	payload, err := Encode(snap, e.opts.Format)
	if err != nil {
		return err
	}
	if err := e.pub.Publish(e.SnapshotTopic(), e.opts.QoS, false, payload); err != nil {
		e.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("publish snapshot %d: %w", snap.Sequence, err)
	}
	e.lastSeq = snap.Sequence
	e.count(func(s *Stats) { s.Snapshots++ })
	return nil
}

func (e *Emitter) count(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}

// Stats returns a copy of the counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Encode renders a snapshot in the given format. msgpack uses the json
// field names so both payloads share one schema.
func Encode(snap sensing.Snapshot, f Format) ([]byte, error) {
	if f == FormatJSON {
		b, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(payload []byte, f Format) (sensing.Snapshot, error) {
	var snap sensing.Snapshot
	if f == FormatJSON {
		err := json.Unmarshal(payload, &snap)
		return snap, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	err := dec.Decode(&snap)
	return snap, err
}

// statusKey is the part of the status whose change is worth a message.
// Counters move every frame and are left out.
type statusKey struct {
	state       driver.State
	initialized bool
	session     string
	device      string
	features    []string
	imageMode   string
	debugPrint  bool
	restarts    int
	lastError   string
}

func keyOf(st driver.Status) statusKey {
	return statusKey{
		state:       st.State,
		initialized: st.Initialized,
		session:     st.SessionID,
		device:      st.Device,
		features:    st.Features,
		imageMode:   st.ImageMode,
		debugPrint:  st.DebugPrint,
		restarts:    st.Restarts,
		lastError:   st.LastError,
	}
}

func (k statusKey) equal(o statusKey) bool {
	return k.state == o.state && k.initialized == o.initialized &&
		k.session == o.session && k.device == o.device &&
		slices.Equal(k.features, o.features) && k.imageMode == o.imageMode &&
		k.debugPrint == o.debugPrint && k.restarts == o.restarts &&
		k.lastError == o.lastError
}
