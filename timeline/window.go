// Copyright 2026 The Matrix.org Foundation C.I.C.
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

package timeline

import (
	"context"
	"fmt"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/types"
)

var paginationRequestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tapestry",
	Subsystem: "timeline",
	Name:      "pagination_requests_total",
	Help:      "Pagination requests issued by timeline windows.",
}, []string{"direction"})

// PaginateOpts qualifies a pagination request made through a Pager.
type PaginateOpts struct {
	Backwards bool
	Limit     int
}

// Pager makes server requests on behalf of a timeline window. Both
// methods are expected to feed their results back into the timeline set
// before returning.
type Pager interface {
	// PaginateEventTimeline fetches more events beyond one end of the
	// given timeline. It returns false when the server indicated there
	// is nothing further.
	PaginateEventTimeline(ctx context.Context, tl *Timeline, opts PaginateOpts) (bool, error)
	// GetEventTimeline fetches a timeline containing the given event
	// into the set, returning it.
	GetEventTimeline(ctx context.Context, set *TimelineSet, eventID id.EventID) (*Timeline, error)
}

// TimelineIndex is a cursor into a timeline chain: a timeline plus an
// index relative to its baseIndex, so the position survives prepends.
type TimelineIndex struct {
	timeline *Timeline
	index    int

	// pending collapses concurrent pagination attempts at this end into
	// a single request.
	pending *pendingPaginate
}

type pendingPaginate struct {
	done chan struct{}
	ok   bool
	err  error
}

// Timeline returns the timeline the cursor currently points into.
func (x *TimelineIndex) Timeline() *Timeline { return x.timeline }

// Index returns the cursor position relative to the timeline baseIndex.
func (x *TimelineIndex) Index() int { return x.index }

// MinIndex is the lowest valid index value in the current timeline.
func (x *TimelineIndex) MinIndex() int { return -x.timeline.BaseIndex() }

// MaxIndex is the highest valid index value in the current timeline.
func (x *TimelineIndex) MaxIndex() int {
	return len(x.timeline.Events()) - x.timeline.BaseIndex()
}

// Advance moves the cursor up to delta places (negative for backwards).
// Movement caps at the current timeline's bounds; the cursor only
// crosses into a neighbour when it cannot move at all, so a partial move
// never silently spans two timelines. Returns the number of places
// actually moved, with the sign of delta.
func (x *TimelineIndex) Advance(delta int) int {
	if delta == 0 {
		return 0
	}
	if delta < 0 {
		if capped := max(delta, x.MinIndex()-x.index); capped < 0 {
			x.index += capped
			return capped
		}
	} else {
		if capped := min(delta, x.MaxIndex()-x.index); capped > 0 {
			x.index += capped
			return capped
		}
	}
	dir := types.DirectionForwards
	if delta < 0 {
		dir = types.DirectionBackwards
	}
	neighbour := x.timeline.NeighbouringTimeline(dir)
	if neighbour == nil {
		return 0
	}
	x.timeline = neighbour
	if delta < 0 {
		x.index = x.MaxIndex()
	} else {
		x.index = x.MinIndex()
	}
	return x.Advance(delta)
}

// Retreat moves the cursor up to delta places backwards.
func (x *TimelineIndex) Retreat(delta int) int {
	return -x.Advance(-delta)
}

// WindowOpts configures a timeline window.
type WindowOpts struct {
	// WindowLimit caps the number of events held; extending past it
	// drops events from the opposite end. Defaults to 1000.
	WindowLimit int
}

// TimelineWindow is a bounded view onto a timeline chain. It tracks a
// start and an end cursor and an event count, and fills itself through a
// Pager.
type TimelineWindow struct {
	set         *TimelineSet
	pager       Pager
	windowLimit int

	start      *TimelineIndex
	end        *TimelineIndex
	eventCount int
}

// NewTimelineWindow creates an unloaded window over the given set.
func NewTimelineWindow(set *TimelineSet, pager Pager, opts WindowOpts) *TimelineWindow {
	limit := opts.WindowLimit
	if limit <= 0 {
		limit = 1000
	}
	return &TimelineWindow{set: set, pager: pager, windowLimit: limit}
}

// Load initialises the window around initialEventID, or at the live end
// when it is empty. The window is centred slightly forward: the focus
// event sits just behind the middle, matching how a reader looks at
// context around a message.
func (w *TimelineWindow) Load(ctx context.Context, initialEventID id.EventID, initialWindowSize int) error {
	if initialEventID == "" {
		w.initFields(w.set.LiveTimeline(), "", initialWindowSize)
		return nil
	}
	if tl := w.set.TimelineForEvent(initialEventID); tl != nil {
		return w.initFieldsAt(tl, initialEventID, initialWindowSize)
	}
	tl, err := w.pager.GetEventTimeline(ctx, w.set, initialEventID)
	if err != nil {
		return fmt.Errorf("failed to fetch timeline for %q: %w", initialEventID, err)
	}
	return w.initFieldsAt(tl, initialEventID, initialWindowSize)
}

func (w *TimelineWindow) initFieldsAt(tl *Timeline, eventID id.EventID, size int) error {
	if i := tl.FindEvent(eventID); i < 0 {
		return fmt.Errorf("getEventTimeline result does not include the requested event %q", eventID)
	}
	w.initFields(tl, eventID, size)
	return nil
}

func (w *TimelineWindow) initFields(tl *Timeline, eventID id.EventID, size int) {
	events := tl.Events()
	eventIndex := len(events)
	if eventID != "" {
		// The window sits just behind the focus event: the focus plus
		// half the window after it, the rest before.
		eventIndex = tl.FindEvent(eventID) + 1
	}
	endIndex := min(len(events), eventIndex+(size+1)/2)
	startIndex := max(0, endIndex-size)
	w.start = &TimelineIndex{timeline: tl, index: startIndex - tl.BaseIndex()}
	w.end = &TimelineIndex{timeline: tl, index: endIndex - tl.BaseIndex()}
	w.eventCount = endIndex - startIndex
}

func (w *TimelineWindow) timelineIndex(dir types.Direction) *TimelineIndex {
	if dir == types.DirectionBackwards {
		return w.start
	}
	return w.end
}

// Extend moves one edge of the window over events already in memory.
// Returns whether the window grew. Growth beyond the window limit drops
// events from the opposite end.
func (w *TimelineWindow) Extend(dir types.Direction, size int) bool {
	tix := w.timelineIndex(dir)
	if tix == nil {
		return false
	}
	var count int
	if dir == types.DirectionBackwards {
		count = tix.Retreat(size)
	} else {
		count = tix.Advance(size)
	}
	if count == 0 {
		return false
	}
	w.eventCount += count
	if excess := w.eventCount - w.windowLimit; excess > 0 {
		w.unpaginate(excess, dir != types.DirectionBackwards)
	}
	return true
}

// CanPaginate reports whether Paginate(dir) could make progress: more
// events in memory, a neighbouring timeline, or a batch token.
func (w *TimelineWindow) CanPaginate(dir types.Direction) bool {
	tix := w.timelineIndex(dir)
	if tix == nil {
		return false
	}
	if dir == types.DirectionBackwards {
		if tix.index > tix.MinIndex() {
			return true
		}
	} else {
		if tix.index < tix.MaxIndex() {
			return true
		}
	}
	return tix.timeline.NeighbouringTimeline(dir) != nil ||
		tix.timeline.Token(dir).CanPaginate()
}

// Paginate grows the window by up to size events in the given direction,
// making at most requestLimit server requests when the events are not
// already in memory. makeRequest false restricts it to in-memory events.
// Concurrent calls for the same edge share a single request.
func (w *TimelineWindow) Paginate(ctx context.Context, dir types.Direction, size int, makeRequest bool, requestLimit int) (bool, error) {
	tix := w.timelineIndex(dir)
	if tix == nil {
		return false, nil
	}
	if p := tix.pending; p != nil {
		<-p.done
		return p.ok, p.err
	}
	if w.Extend(dir, size) {
		return true, nil
	}
	if !makeRequest || requestLimit == 0 {
		return false, nil
	}
	if !tix.timeline.Token(dir).CanPaginate() {
		return false, nil
	}

	p := &pendingPaginate{done: make(chan struct{})}
	tix.pending = p
	paginationRequestCounter.WithLabelValues(string(dir)).Inc()
	util.GetLogger(ctx).WithField("room_id", w.set.RoomID()).
		WithField("direction", dir).Debug("Paginating timeline window")
	ok, err := w.pager.PaginateEventTimeline(ctx, tix.timeline, PaginateOpts{
		Backwards: dir == types.DirectionBackwards,
		Limit:     size,
	})
	tix.pending = nil
	if err != nil {
		p.ok, p.err = false, err
		close(p.done)
		return false, err
	}
	// A successful request may still not have yielded usable events
	// (duplicates, filtered out), so recurse with a reduced budget; a
	// "nothing further" response falls back to in-memory movement only.
	result, err := w.Paginate(ctx, dir, size, ok, requestLimit-1)
	p.ok, p.err = result, err
	close(p.done)
	return result, err
}

// unpaginate drops delta events from the start (or end) of the window.
func (w *TimelineWindow) unpaginate(delta int, startOfTimeline bool) {
	tix := w.start
	if !startOfTimeline {
		tix = w.end
	}
	for delta > 0 {
		var count int
		if startOfTimeline {
			count = tix.Advance(delta)
		} else {
			count = tix.Retreat(delta)
		}
		if count <= 0 {
			break
		}
		w.eventCount -= count
		delta -= count
	}
}

// Unpaginate shrinks the window from the given end by delta events.
func (w *TimelineWindow) Unpaginate(delta int, startOfTimeline bool) error {
	if delta <= 0 {
		return fmt.Errorf("unpaginate delta must be positive, got %d", delta)
	}
	w.unpaginate(delta, startOfTimeline)
	return nil
}

// Events returns the events currently inside the window, in order,
// walking the timeline chain from the start cursor to the end cursor.
func (w *TimelineWindow) Events() []*types.Event {
	if w.start == nil || w.end == nil {
		return nil
	}
	var result []*types.Event
	tl := w.start.timeline
	startIndex := w.start.index + tl.BaseIndex()
	for tl != nil {
		events := tl.Events()
		endIndex := len(events)
		if tl == w.end.timeline {
			endIndex = w.end.index + tl.BaseIndex()
		}
		if startIndex < 0 {
			startIndex = 0
		}
		if endIndex > len(events) {
			endIndex = len(events)
		}
		if startIndex < endIndex {
			result = append(result, events[startIndex:endIndex]...)
		}
		if tl == w.end.timeline {
			break
		}
		tl = tl.NeighbouringTimeline(types.DirectionForwards)
		startIndex = 0
	}
	return result
}
