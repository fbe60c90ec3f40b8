package kafka

import (
	"slices"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

// delivery is one fetched record and its dispatch state.
type delivery struct {
	rec      *kgo.Record
	attempt  int
	deadline time.Time
	out      bool
	acked    bool
}

// tracker turns Kafka's offset-per-partition model into per-message acks.
// Records are dispatched individually; a partition's commit point only
// advances across a contiguous run of acknowledged offsets, so an
// unacknowledged record is never committed past. Nacked and expired
// records are redispatched locally.
type tracker struct {
	mu       sync.Mutex
	parts    map[topicPartition][]*delivery
	queue    []*delivery
	inflight int
	signal   chan struct{}
	commit   func(*kgo.Record)
}

func newTracker(commit func(*kgo.Record)) *tracker {
	return &tracker{
		parts:  make(map[topicPartition][]*delivery),
		signal: make(chan struct{}, 1),
		commit: commit,
	}
}

func (t *tracker) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *tracker) add(recs []*kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range recs {
		d := &delivery{rec: rec}
		tp := topicPartition{rec.Topic, rec.Partition}
		t.parts[tp] = append(t.parts[tp], d)
		t.queue = append(t.queue, d)
	}
}

// room reports how many more records may be fetched without exceeding max
// outstanding.
func (t *tracker) room(maxOutstanding int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maxOutstanding - t.inflight - len(t.queue)
}

// next pops a record for dispatch, or nil when nothing is ready or the
// outstanding limit is reached.
func (t *tracker) next(now time.Time, ackDeadline time.Duration, maxOutstanding int) (*delivery, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 || t.inflight >= maxOutstanding {
		return nil, 0
	}
	d := t.queue[0]
	t.queue = t.queue[1:]
	d.attempt++
	d.out = true
	d.deadline = now.Add(ackDeadline)
	t.inflight++
	return d, d.attempt
}

func (t *tracker) settle(d *delivery, attempt int, requeue bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !d.out || d.attempt != attempt {
		return
	}
	d.out = false
	t.inflight--
	if requeue {
		t.queue = append([]*delivery{d}, t.queue...)
	} else {
		d.acked = true
		t.advance(topicPartition{d.rec.Topic, d.rec.Partition})
	}
	t.wake()
}

func (t *tracker) advance(tp topicPartition) {
	list, ok := t.parts[tp]
	if !ok {
		return
	}
	i := 0
	for i < len(list) && list[i].acked {
		i++
	}
	if i == 0 {
		return
	}
	t.commit(list[i-1].rec)
	if i == len(list) {
		delete(t.parts, tp)
		return
	}
	t.parts[tp] = list[i:]
}

// expire requeues dispatched records whose ack deadline has passed.
func (t *tracker) expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*delivery
	for _, list := range t.parts {
		for _, d := range list {
			if d.out && now.After(d.deadline) {
				d.out = false
				t.inflight--
				expired = append(expired, d)
			}
		}
	}
	if len(expired) == 0 {
		return 0
	}
	slices.SortFunc(expired, func(a, b *delivery) int {
		return int(a.rec.Offset - b.rec.Offset)
	})
	t.queue = append(expired, t.queue...)
	t.wake()
	return len(expired)
}

// drop forgets partitions this consumer no longer owns. Late acks for
// their records are ignored.
func (t *tracker) drop(revoked map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gone := make(map[topicPartition]bool)
	for topic, parts := range revoked {
		for _, p := range parts {
			tp := topicPartition{topic, p}
			gone[tp] = true
			for _, d := range t.parts[tp] {
				if d.out {
					d.out = false
					t.inflight--
				}
			}
			delete(t.parts, tp)
		}
	}
	t.queue = slices.DeleteFunc(t.queue, func(d *delivery) bool {
		return gone[topicPartition{d.rec.Topic, d.rec.Partition}]
	})
}
