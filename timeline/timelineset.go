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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/state"
	"github.com/matrix-org/tapestry/types"
)

var (
	duplicateEventCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tapestry",
		Subsystem: "timeline",
		Name:      "duplicate_events_total",
		Help:      "Events dropped because they were already present in a timeline set.",
	})
	timelineJoinCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tapestry",
		Subsystem: "timeline",
		Name:      "timeline_joins_total",
		Help:      "Pairs of timelines stitched together by pagination overlap.",
	})
)

// DuplicateStrategy says what to do when a live event is already known.
type DuplicateStrategy int

const (
	DuplicateIgnore DuplicateStrategy = iota
	DuplicateReplace
)

// Router decides whether an event belongs in a given timeline set. A nil
// router accepts everything.
type Router interface {
	CanContain(set *TimelineSet, event *types.Event) bool
}

// Aggregator receives every event added to a timeline so relations can
// be folded onto their targets.
type Aggregator interface {
	AggregateEvent(event *types.Event)
}

// Listener receives timeline-set notifications. Any field may be nil.
type Listener struct {
	// OnTimelineEvent fires for each event added to a timeline.
	// liveEvent is true only for events appended to the live timeline
	// outside of cache loads.
	OnTimelineEvent func(event *types.Event, tl *Timeline, toStart, liveEvent bool)
	// OnTimelineReset fires after the live timeline is replaced. The
	// back token of the new live timeline is set before this fires, so
	// listeners may paginate from it.
	OnTimelineReset func(tl *Timeline, resetAllTimelines bool)
	// OnEventRemoved fires when an event is removed from a timeline.
	OnEventRemoved func(event *types.Event)
}

// Filter narrows and transforms event batches before they enter the
// set's timelines. Returning an empty slice drops the batch.
type Filter func(events []*types.Event) []*types.Event

// TimelineSetOpts configures a timeline set.
type TimelineSetOpts struct {
	// TimelineSupport keeps old timelines around when the live timeline
	// resets. Without it the set only ever holds the live timeline.
	TimelineSupport bool
	// ManageState folds state events added to timelines into the
	// timeline end states. Only the room's main set should do this.
	ManageState bool
	Router      Router
	Aggregator  Aggregator
	// Filter, when set, is applied to every incoming batch before any
	// timeline is touched.
	Filter Filter
}

// TimelineSet owns a collection of timelines for one view of a room,
// along with the index mapping event IDs to the timeline holding them.
type TimelineSet struct {
	roomID          id.RoomID
	timelineSupport bool
	manageState     bool
	router          Router
	aggregator      Aggregator
	filter          Filter

	liveTimeline *Timeline
	timelines    []*Timeline
	eventIDIndex map[id.EventID]*Timeline

	listeners []Listener
}

// NewTimelineSet creates a set with a fresh live timeline.
func NewTimelineSet(roomID id.RoomID, opts TimelineSetOpts) *TimelineSet {
	s := &TimelineSet{
		roomID:          roomID,
		timelineSupport: opts.TimelineSupport,
		manageState:     opts.ManageState,
		router:          opts.Router,
		aggregator:      opts.Aggregator,
		filter:          opts.Filter,
		eventIDIndex:    map[id.EventID]*Timeline{},
	}
	s.liveTimeline = newTimeline(s)
	s.timelines = []*Timeline{s.liveTimeline}
	return s
}

// RoomID returns the room this set views.
func (s *TimelineSet) RoomID() id.RoomID { return s.roomID }

// AddListener registers a timeline-set listener.
func (s *TimelineSet) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// LiveTimeline returns the current live timeline.
func (s *TimelineSet) LiveTimeline() *Timeline { return s.liveTimeline }

// Timelines returns all timelines in the set.
func (s *TimelineSet) Timelines() []*Timeline { return s.timelines }

// AddTimeline creates a new empty timeline in this set. Requires
// timeline support.
func (s *TimelineSet) AddTimeline() (*Timeline, error) {
	if !s.timelineSupport {
		return nil, fmt.Errorf("timeline support is disabled, cannot add timelines")
	}
	tl := newTimeline(s)
	s.timelines = append(s.timelines, tl)
	return tl, nil
}

// TimelineForEvent returns the timeline holding eventID, or nil.
func (s *TimelineSet) TimelineForEvent(eventID id.EventID) *Timeline {
	return s.eventIDIndex[eventID]
}

// FindEventByID returns the event with the given ID from whichever
// timeline holds it, or nil.
func (s *TimelineSet) FindEventByID(eventID id.EventID) *types.Event {
	tl := s.eventIDIndex[eventID]
	if tl == nil {
		return nil
	}
	if i := tl.FindEvent(eventID); i >= 0 {
		return tl.Events()[i]
	}
	return nil
}

// CanContain asks the router whether this set should hold the event.
func (s *TimelineSet) CanContain(event *types.Event) bool {
	if s.router == nil {
		return true
	}
	return s.router.CanContain(s, event)
}

// AddEventOpts qualifies how an event is added to a timeline.
type AddEventOpts struct {
	ToStart bool
	// FromCache marks events loaded from local storage rather than
	// received live; they never count as live events.
	FromCache bool
	RoomState *state.RoomState
}

// AddEventToTimeline adds a single event to a specific timeline in this
// set. The timeline must belong to this set. Events the router refuses
// are dropped with a warning.
func (s *TimelineSet) AddEventToTimeline(event *types.Event, tl *Timeline, opts AddEventOpts) error {
	if tl == nil || tl.set != s {
		return fmt.Errorf("attempt to add event %q to a timeline which is not in this set", event.ID())
	}
	if !s.CanContain(event) {
		logrus.WithFields(logrus.Fields{
			"event_id": event.ID(),
			"room_id":  s.roomID,
		}).Warn("Ignoring event that does not belong in this timeline set")
		return nil
	}
	tl.AddEvent(event, opts.ToStart, opts.RoomState)
	s.eventIDIndex[event.ID()] = tl
	if s.aggregator != nil {
		s.aggregator.AggregateEvent(event)
	}
	liveEvent := !opts.ToStart && tl == s.liveTimeline && !opts.FromCache
	for _, l := range s.listeners {
		if l.OnTimelineEvent != nil {
			l.OnTimelineEvent(event, tl, opts.ToStart, liveEvent)
		}
	}
	return nil
}

// InsertEventIntoTimeline inserts an event at its timestamp-appropriate
// position: scanning starts at the event's parent (when the parent is in
// the same timeline) and stops before the first event with a strictly
// later timestamp. Timestamp ordering is inherently approximate; events
// with equal timestamps keep arrival order.
func (s *TimelineSet) InsertEventIntoTimeline(event *types.Event, tl *Timeline, roomState *state.RoomState) error {
	if tl == nil || tl.set != s {
		return fmt.Errorf("attempt to insert event %q into a timeline which is not in this set", event.ID())
	}
	if !s.CanContain(event) {
		logrus.WithField("event_id", event.ID()).
			Warn("Ignoring event that does not belong in this timeline set")
		return nil
	}
	insertIndex := 0
	if parentID := event.AssociatedID(); parentID != "" {
		if i := tl.FindEvent(parentID); i >= 0 {
			insertIndex = i + 1
		}
	}
	events := tl.Events()
	for ; insertIndex < len(events); insertIndex++ {
		if events[insertIndex].OriginServerTS() > event.OriginServerTS() {
			break
		}
	}
	tl.InsertEvent(event, insertIndex, roomState)
	s.eventIDIndex[event.ID()] = tl
	if s.aggregator != nil {
		s.aggregator.AggregateEvent(event)
	}
	for _, l := range s.listeners {
		if l.OnTimelineEvent != nil {
			l.OnTimelineEvent(event, tl, false, false)
		}
	}
	return nil
}

// AddEventsToTimeline adds a batch of paginated events to a timeline.
// Events already present elsewhere in the set steer the batch: the
// cursor switches to an existing neighbour, or stitches the two
// timelines together. The live timeline never gets spliced into the
// middle of a chain. The pagination token is updated when the batch
// ended with a new event, or when it changed nothing at all, so that a
// no-op response still advances the token instead of spinning.
func (s *TimelineSet) AddEventsToTimeline(events []*types.Event, toStart bool, tl *Timeline, paginationToken Token) error {
	if tl == nil || tl.set != s {
		return fmt.Errorf("attempt to add events to a timeline which is not in this set")
	}
	if !toStart && tl == s.liveTimeline {
		return fmt.Errorf("cannot forward-paginate into the live timeline, use AddLiveEvent")
	}
	if s.filter != nil {
		if events = s.filter(events); len(events) == 0 {
			return nil
		}
	}
	direction := types.DirectionForwards
	if toStart {
		direction = types.DirectionBackwards
	}

	didUpdate := false
	lastEventWasNew := false
	for _, event := range events {
		eventID := event.ID()
		existing := s.eventIDIndex[eventID]
		if existing == nil {
			if err := s.AddEventToTimeline(event, tl, AddEventOpts{ToStart: toStart}); err != nil {
				return err
			}
			lastEventWasNew = true
			didUpdate = true
			continue
		}
		lastEventWasNew = false
		duplicateEventCounter.Inc()
		if existing == tl {
			continue
		}
		if tl.NeighbouringTimeline(direction) != nil {
			// Already linked in this direction; assume the chain is
			// right and continue from wherever the event lives.
			tl = existing
			continue
		}
		// The event is in an unlinked timeline: the two runs overlap, so
		// stitch them together. Never splice the live timeline out of
		// its live position though.
		backwardsIsLive := direction == types.DirectionBackwards && existing == s.liveTimeline
		forwardsIsLive := direction == types.DirectionForwards && tl == s.liveTimeline
		if forwardsIsLive || backwardsIsLive {
			logrus.WithFields(logrus.Fields{
				"event_id": eventID,
				"room_id":  s.roomID,
			}).Warn("Refusing to join timelines: would displace the live timeline")
			continue
		}
		if err := tl.SetNeighbouringTimeline(existing, direction); err != nil {
			return err
		}
		if err := existing.SetNeighbouringTimeline(tl, direction.Reverse()); err != nil {
			return err
		}
		timelineJoinCounter.Inc()
		tl = existing
		didUpdate = true
	}

	if lastEventWasNew || !didUpdate {
		if direction == types.DirectionForwards && tl == s.liveTimeline {
			logrus.WithField("room_id", s.roomID).
				Warn("Refusing to set a forward pagination token on the live timeline")
			return nil
		}
		tl.SetToken(paginationToken, direction)
	}
	return nil
}

// AddLiveEvent appends an event to the live timeline. Duplicates are
// ignored or replaced in place per the strategy; a replace re-resolves
// the event's metadata but keeps its position.
func (s *TimelineSet) AddLiveEvent(event *types.Event, strategy DuplicateStrategy, fromCache bool, roomState *state.RoomState) error {
	if s.filter != nil && len(s.filter([]*types.Event{event})) == 0 {
		return nil
	}
	if tl := s.eventIDIndex[event.ID()]; tl != nil {
		duplicateEventCounter.Inc()
		if strategy != DuplicateReplace {
			return nil
		}
		if i := tl.FindEvent(event.ID()); i >= 0 {
			if roomState == nil {
				roomState = tl.State(types.DirectionForwards)
			}
			setEventMetadata(event, roomState, false)
			tl.events[i] = event
		}
		return nil
	}
	return s.AddEventToTimeline(event, s.liveTimeline, AddEventOpts{
		FromCache: fromCache,
		RoomState: roomState,
	})
}

// RemoveEvent removes an event from whichever timeline holds it.
func (s *TimelineSet) RemoveEvent(eventID id.EventID) *types.Event {
	tl := s.eventIDIndex[eventID]
	if tl == nil {
		return nil
	}
	removed := tl.RemoveEvent(eventID)
	if removed != nil {
		delete(s.eventIDIndex, eventID)
		for _, l := range s.listeners {
			if l.OnEventRemoved != nil {
				l.OnEventRemoved(removed)
			}
		}
	}
	return removed
}

// ReplaceEventID re-keys the index after a local event was assigned its
// server ID.
func (s *TimelineSet) ReplaceEventID(oldID, newID id.EventID) {
	if tl := s.eventIDIndex[oldID]; tl != nil {
		delete(s.eventIDIndex, oldID)
		s.eventIDIndex[newID] = tl
	}
}

// HandleRemoteEcho re-keys a local event that was confirmed by the
// server, or appends it to the live timeline if it was never added.
func (s *TimelineSet) HandleRemoteEcho(localEvent *types.Event, oldID, newID id.EventID) error {
	if tl := s.eventIDIndex[oldID]; tl != nil {
		delete(s.eventIDIndex, oldID)
		s.eventIDIndex[newID] = tl
		return nil
	}
	if s.filter != nil && len(s.filter([]*types.Event{localEvent})) == 0 {
		return nil
	}
	return s.AddEventToTimeline(localEvent, s.liveTimeline, AddEventOpts{})
}

// ResetLiveTimeline replaces the live timeline with a fresh one, e.g.
// after a sync gap. With no forward token (or without timeline support)
// everything is reset: old timelines are dropped and the index cleared.
// Otherwise the old live timeline is kept, gets forwardToken as its
// forward token, and can later be paginated back into. backToken (empty
// meaning end of history) is set on the new live timeline before the
// reset notification fires.
func (s *TimelineSet) ResetLiveTimeline(backToken, forwardToken string) {
	resetAllTimelines := !s.timelineSupport || forwardToken == ""
	oldTimeline := s.liveTimeline

	var newTimeline *Timeline
	if resetAllTimelines {
		newTimeline = oldTimeline.ForkLive(types.DirectionForwards)
		s.timelines = []*Timeline{newTimeline}
		s.eventIDIndex = map[id.EventID]*Timeline{}
	} else {
		newTimeline = oldTimeline.Fork(types.DirectionForwards)
		s.timelines = append(s.timelines, newTimeline)
	}

	if forwardToken != "" {
		oldTimeline.SetToken(BatchToken(forwardToken), types.DirectionForwards)
	}
	newTimeline.SetToken(BatchToken(backToken), types.DirectionBackwards)
	s.liveTimeline = newTimeline

	for _, l := range s.listeners {
		if l.OnTimelineReset != nil {
			l.OnTimelineReset(newTimeline, resetAllTimelines)
		}
	}
}

// CompareEventOrdering compares the positions of two events in this set.
// It returns a negative value if the first precedes the second, positive
// for the converse, zero for the same event. ok is false when the events
// are in unconnected timelines (or not present) and no order is known.
func (s *TimelineSet) CompareEventOrdering(a, b id.EventID) (int, bool) {
	if a == b {
		return 0, true
	}
	tlA := s.eventIDIndex[a]
	tlB := s.eventIDIndex[b]
	if tlA == nil || tlB == nil {
		return 0, false
	}
	if tlA == tlB {
		idxA, idxB := tlA.FindEvent(a), tlA.FindEvent(b)
		return idxA - idxB, true
	}
	for tl := tlA.NeighbouringTimeline(types.DirectionForwards); tl != nil; tl = tl.NeighbouringTimeline(types.DirectionForwards) {
		if tl == tlB {
			return -1, true
		}
	}
	for tl := tlA.NeighbouringTimeline(types.DirectionBackwards); tl != nil; tl = tl.NeighbouringTimeline(types.DirectionBackwards) {
		if tl == tlB {
			return 1, true
		}
	}
	return 0, false
}
