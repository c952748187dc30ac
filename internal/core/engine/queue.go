package engine

import (
	"context"
	"time"

	"github.com/hapiai/lmslink/internal/core"
)

type queuedUnit struct {
	id         string
	priority   core.Priority
	enqueuedAt time.Time
	retryCount int
	ctx        context.Context
	execute    Work
	done       chan Result
}

func (u *queuedUnit) resolve(value any) {
	u.done <- Result{Value: value}
}

func (u *queuedUnit) reject(err error) {
	u.done <- Result{Err: err}
}

// unitQueue keeps one FIFO band per priority. Bands are served highest first.
type unitQueue struct {
	bands [core.PriorityLevels][]*queuedUnit
}

func (q *unitQueue) pushBack(u *queuedUnit) {
	q.bands[u.priority] = append(q.bands[u.priority], u)
}

// pushFront re-inserts a retried unit ahead of the rest of its band.
func (q *unitQueue) pushFront(u *queuedUnit) {
	band := q.bands[u.priority]
	band = append(band, nil)
	copy(band[1:], band)
	band[0] = u
	q.bands[u.priority] = band
}

func (q *unitQueue) peek() *queuedUnit {
	for p := len(q.bands) - 1; p >= 0; p-- {
		if len(q.bands[p]) > 0 {
			return q.bands[p][0]
		}
	}
	return nil
}

func (q *unitQueue) popFront(priority core.Priority) *queuedUnit {
	band := q.bands[priority]
	if len(band) == 0 {
		return nil
	}
	u := band[0]
	band[0] = nil
	q.bands[priority] = band[1:]
	return u
}

// drainAll empties the queue in service order.
func (q *unitQueue) drainAll() []*queuedUnit {
	var out []*queuedUnit
	for p := len(q.bands) - 1; p >= 0; p-- {
		out = append(out, q.bands[p]...)
		q.bands[p] = nil
	}
	return out
}

func (q *unitQueue) len() int {
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}
