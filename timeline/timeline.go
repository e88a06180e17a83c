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

// Package timeline implements ordered runs of room events, the timeline
// sets that own them and the windowing cursor over them.
package timeline

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/state"
	"github.com/matrix-org/tapestry/types"
)

// Timeline is a contiguous run of events with a state snapshot anchored
// at each end. Timelines link up into chains through neighbour pointers;
// each link is write-once.
type Timeline struct {
	set    *TimelineSet
	events []*types.Event

	// baseIndex pins external indices against prepends: it counts how
	// many events have been added to the start, so (index - baseIndex)
	// is stable for an event already in the timeline.
	baseIndex int

	startState *state.RoomState
	endState   *state.RoomState

	startToken Token
	endToken   Token

	prevTimeline *Timeline
	nextTimeline *Timeline
}

func newTimeline(set *TimelineSet) *Timeline {
	return &Timeline{
		set:        set,
		startState: state.NewRoomState(set.roomID),
		endState:   state.NewRoomState(set.roomID),
	}
}

// TimelineSet returns the set this timeline belongs to.
func (t *Timeline) TimelineSet() *TimelineSet { return t.set }

// Events returns the events in order. The returned slice is the live
// backing array; callers must not mutate it.
func (t *Timeline) Events() []*types.Event { return t.events }

// BaseIndex returns the current base index.
func (t *Timeline) BaseIndex() int { return t.baseIndex }

// InitialiseState seeds both end states with the given state events.
// Only valid on an empty timeline.
func (t *Timeline) InitialiseState(stateEvents []*types.Event) error {
	if len(t.events) > 0 {
		return fmt.Errorf("cannot initialise state after events are added")
	}
	t.startState.SetStateEvents(stateEvents)
	t.endState.SetStateEvents(stateEvents)
	return nil
}

// State returns the state snapshot at the given end of the timeline.
func (t *Timeline) State(dir types.Direction) *state.RoomState {
	if dir == types.DirectionBackwards {
		return t.startState
	}
	return t.endState
}

// Token returns the pagination token for the given direction.
func (t *Timeline) Token(dir types.Direction) Token {
	if dir == types.DirectionBackwards {
		return t.startToken
	}
	return t.endToken
}

// SetToken sets the pagination token for the given direction.
func (t *Timeline) SetToken(token Token, dir types.Direction) {
	if dir == types.DirectionBackwards {
		t.startToken = token
	} else {
		t.endToken = token
	}
}

// NeighbouringTimeline returns the adjacent timeline in the given
// direction, or nil.
func (t *Timeline) NeighbouringTimeline(dir types.Direction) *Timeline {
	if dir == types.DirectionBackwards {
		return t.prevTimeline
	}
	return t.nextTimeline
}

// SetNeighbouringTimeline links a neighbour. Links are write-once; a
// second link in the same direction is an error. Linking supersedes the
// pagination token on that side, so it is cleared to end-of-history.
func (t *Timeline) SetNeighbouringTimeline(neighbour *Timeline, dir types.Direction) error {
	if t.NeighbouringTimeline(dir) != nil {
		return fmt.Errorf("timeline already has a neighbour in direction %q", dir)
	}
	if dir == types.DirectionBackwards {
		t.prevTimeline = neighbour
	} else {
		t.nextTimeline = neighbour
	}
	t.SetToken(EndOfHistory, dir)
	return nil
}

// Fork creates a new timeline seeded from this timeline's state at the
// given end. Both ends of the new timeline get independent clones.
func (t *Timeline) Fork(dir types.Direction) *Timeline {
	forkState := t.State(dir)
	forked := newTimeline(t.set)
	forked.startState = forkState.Clone()
	forked.endState = forkState.Clone()
	return forked
}

// ForkLive creates a new live timeline from this timeline's state at the
// given end. The new timeline takes over the state object itself, so
// listeners registered on it keep firing; this timeline is left with a
// clone.
func (t *Timeline) ForkLive(dir types.Direction) *Timeline {
	forkState := t.State(dir)
	forked := newTimeline(t.set)
	forked.startState = forkState.Clone()
	forked.endState = forkState
	if dir == types.DirectionBackwards {
		t.startState = forkState.Clone()
	} else {
		t.endState = forkState.Clone()
	}
	return forked
}

// AddEvent appends or prepends an event, attaching sentinel metadata
// from the state at that end and folding state events into it when the
// owning set manages room state.
func (t *Timeline) AddEvent(event *types.Event, toStart bool, roomState *state.RoomState) {
	if roomState == nil {
		if toStart {
			roomState = t.startState
		} else {
			roomState = t.endState
		}
	}
	setEventMetadata(event, roomState, toStart)
	if event.IsState() && t.set.manageState {
		roomState.SetStateEvents([]*types.Event{event})
		// The sentinel for the sender may have just changed; refresh the
		// metadata so the event carries the post-update snapshot. Never
		// refresh a member event when prepending: its sender sentinel must
		// reflect the state BEFORE the event, not the state it just set.
		if event.Sender() == nil || (event.Type() == spec.MRoomMember && !toStart) {
			setEventMetadata(event, roomState, toStart)
		}
	}
	if toStart {
		t.events = append([]*types.Event{event}, t.events...)
		t.baseIndex++
	} else {
		t.events = append(t.events, event)
	}
}

// InsertEvent places an event at the given index, adjusting baseIndex
// when inserting before it.
func (t *Timeline) InsertEvent(event *types.Event, index int, roomState *state.RoomState) {
	if roomState == nil {
		roomState = t.endState
	}
	setEventMetadata(event, roomState, false)
	if event.IsState() && t.set.manageState {
		roomState.SetStateEvents([]*types.Event{event})
		if event.Sender() == nil || event.Type() == spec.MRoomMember {
			setEventMetadata(event, roomState, false)
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(t.events) {
		index = len(t.events)
	}
	t.events = append(t.events, nil)
	copy(t.events[index+1:], t.events[index:])
	t.events[index] = event
	if index < t.baseIndex {
		t.baseIndex++
	}
}

// RemoveEvent removes the event with the given ID, returning it, or nil
// if absent. Removals before baseIndex shift it back down.
func (t *Timeline) RemoveEvent(eventID id.EventID) *types.Event {
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].ID() == eventID {
			removed := t.events[i]
			t.events = append(t.events[:i], t.events[i+1:]...)
			if i < t.baseIndex {
				t.baseIndex--
			}
			return removed
		}
	}
	return nil
}

// FindEvent returns the index of the event with the given ID, or -1.
func (t *Timeline) FindEvent(eventID id.EventID) int {
	for i, ev := range t.events {
		if ev.ID() == eventID {
			return i
		}
	}
	return -1
}

// setEventMetadata freezes sender and target sentinels onto the event.
// Only state events change their directional reading.
func setEventMetadata(event *types.Event, roomState *state.RoomState, toStart bool) {
	sender := roomState.GetSentinelMember(event.SenderID())
	var target *types.RoomMember
	if event.Type() == spec.MRoomMember {
		if sk, ok := event.StateKey(); ok {
			target = roomState.GetSentinelMember(id.UserID(sk))
		}
	}
	if event.IsState() {
		event.SetMetadata(sender, target, toStart)
	} else {
		event.SetMetadata(sender, target, false)
	}
}
