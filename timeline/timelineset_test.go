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
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/types"
)

type rejectRouter struct{ reject map[id.EventID]bool }

func (r *rejectRouter) CanContain(_ *TimelineSet, event *types.Event) bool {
	return !r.reject[event.ID()]
}

func TestAddLiveEventDeduplication(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	ev := message("$a", 1)
	require.NoError(t, set.AddLiveEvent(ev, DuplicateIgnore, false, nil))
	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))
	assert.Len(t, set.LiveTimeline().Events(), 1)
	assert.Same(t, ev, set.FindEventByID("$a"), "ignore keeps the original")
}

func TestAddLiveEventDuplicateReplace(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))

	replacement := message("$a", 1)
	require.NoError(t, set.AddLiveEvent(replacement, DuplicateReplace, false, nil))
	assert.Len(t, set.LiveTimeline().Events(), 1)
	assert.Same(t, replacement, set.LiveTimeline().Events()[0],
		"replace swaps the event in place")
}

func TestAddEventToTimelineOwnership(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	other := newTestSet(t, TimelineSetOpts{})
	err := set.AddEventToTimeline(message("$a", 1), other.LiveTimeline(), AddEventOpts{})
	assert.Error(t, err, "timelines cannot be fed through a foreign set")
}

func TestAddEventToTimelineRouterDrop(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{Router: &rejectRouter{reject: map[id.EventID]bool{"$bad": true}}})
	require.NoError(t, set.AddEventToTimeline(message("$bad", 1), set.LiveTimeline(), AddEventOpts{}))
	require.NoError(t, set.AddEventToTimeline(message("$good", 2), set.LiveTimeline(), AddEventOpts{}))
	assert.Equal(t, []id.EventID{"$good"}, eventIDs(set.LiveTimeline().Events()),
		"router-refused events are dropped, not errored")
}

func TestAddEventsToTimelineIdempotent(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	tl, err := set.AddTimeline()
	require.NoError(t, err)

	batch := []*types.Event{message("$a", 1), message("$b", 2)}
	require.NoError(t, set.AddEventsToTimeline(batch, true, tl, BatchToken("t1")))
	require.NoError(t, set.AddEventsToTimeline(batch, true, tl, BatchToken("t2")))
	assert.Len(t, tl.Events(), 2, "same batch twice adds nothing")
	assert.Equal(t, BatchToken("t2"), tl.Token(types.DirectionBackwards),
		"a no-op batch still advances the token")
}

func TestAddEventsToTimelineTokenNotSetMidBatch(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	tl, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$a", 1)}, true, tl, BatchToken("t1")))

	// A batch ending in a duplicate made progress but did not reach new
	// ground, so the token must not move.
	require.NoError(t, set.AddEventsToTimeline(
		[]*types.Event{message("$b", 2), message("$a", 1)}, true, tl, BatchToken("t2")))
	assert.Equal(t, BatchToken("t1"), tl.Token(types.DirectionBackwards))
}

func TestAddEventsToTimelineJoinsTimelines(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	live := set.LiveTimeline()
	require.NoError(t, set.AddLiveEvent(message("$new", 100), DuplicateIgnore, false, nil))

	old, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$old", 50)}, true, old, BatchToken("back")))

	// Forward pagination from the old timeline runs into the live
	// timeline's event: the two timelines get stitched together.
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$new", 100)}, false, old, BatchToken("fwd")))
	assert.Same(t, live, old.NeighbouringTimeline(types.DirectionForwards))
	assert.Same(t, old, live.NeighbouringTimeline(types.DirectionBackwards))
}

func TestLiveTimelineNeverSpliced(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	live := set.LiveTimeline()
	require.NoError(t, set.AddLiveEvent(message("$live", 100), DuplicateIgnore, false, nil))

	other, err := set.AddTimeline()
	require.NoError(t, err)
	// Backward pagination from `other` claims the live event precedes
	// it, which would push the live timeline into a non-terminal
	// position. Refused.
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$live", 100)}, true, other, BatchToken("t")))
	assert.Nil(t, other.NeighbouringTimeline(types.DirectionBackwards))
	assert.Nil(t, live.NeighbouringTimeline(types.DirectionForwards))
}

func TestAddEventsToTimelineRefusesLiveForward(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	err := set.AddEventsToTimeline([]*types.Event{message("$a", 1)}, false, set.LiveTimeline(), TokenUnknown)
	assert.Error(t, err)
}

func TestCompareEventOrdering(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	require.NoError(t, set.AddLiveEvent(message("$c", 30), DuplicateIgnore, false, nil))
	require.NoError(t, set.AddLiveEvent(message("$d", 40), DuplicateIgnore, false, nil))

	old, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$b", 20), message("$a", 10)}, true, old, TokenUnknown))
	require.NoError(t, old.SetNeighbouringTimeline(set.LiveTimeline(), types.DirectionForwards))
	require.NoError(t, set.LiveTimeline().SetNeighbouringTimeline(old, types.DirectionBackwards))

	// Same timeline.
	cmp, ok := set.CompareEventOrdering("$c", "$d")
	require.True(t, ok)
	assert.Negative(t, cmp)

	// Across the chain, both ways.
	cmp, ok = set.CompareEventOrdering("$a", "$d")
	require.True(t, ok)
	assert.Negative(t, cmp)
	cmp, ok = set.CompareEventOrdering("$d", "$a")
	require.True(t, ok)
	assert.Positive(t, cmp)

	// Identity.
	cmp, ok = set.CompareEventOrdering("$a", "$a")
	require.True(t, ok)
	assert.Zero(t, cmp)

	// Unknown event.
	_, ok = set.CompareEventOrdering("$a", "$nope")
	assert.False(t, ok)

	// Disconnected timeline.
	orphan, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$x", 5)}, true, orphan, TokenUnknown))
	_, ok = set.CompareEventOrdering("$a", "$x")
	assert.False(t, ok)
}

func TestCompareEventOrderingTransitivity(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	evs := messages(6)
	for _, ev := range evs {
		require.NoError(t, set.AddLiveEvent(ev, DuplicateIgnore, false, nil))
	}
	for i := 0; i < len(evs); i++ {
		for j := i + 1; j < len(evs); j++ {
			cmp, ok := set.CompareEventOrdering(evs[i].ID(), evs[j].ID())
			require.True(t, ok)
			assert.Negative(t, cmp, "event %d should precede event %d", i, j)
		}
	}
}

func TestResetLiveTimelineFullReset(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))
	oldLive := set.LiveTimeline()
	oldState := oldLive.State(types.DirectionForwards)

	var resetToken Token
	var resetAll bool
	set.AddListener(Listener{
		OnTimelineReset: func(tl *Timeline, all bool) {
			resetToken = tl.Token(types.DirectionBackwards)
			resetAll = all
		},
	})

	// No forward token: everything is thrown away.
	set.ResetLiveTimeline("back-token", "")
	newLive := set.LiveTimeline()
	assert.NotSame(t, oldLive, newLive)
	assert.Len(t, set.Timelines(), 1)
	assert.Empty(t, newLive.Events())
	assert.Nil(t, set.FindEventByID("$a"), "index is rebuilt on a full reset")
	assert.True(t, resetAll)
	assert.Equal(t, BatchToken("back-token"), resetToken,
		"back token is in place before the reset notification")
	assert.Same(t, oldState, newLive.State(types.DirectionForwards),
		"live end state object carries over so listeners survive")
}

func TestResetLiveTimelinePartialReset(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))
	oldLive := set.LiveTimeline()

	set.ResetLiveTimeline("back-token", "fwd-token")
	assert.Len(t, set.Timelines(), 2, "old timeline is kept")
	assert.NotNil(t, set.FindEventByID("$a"), "index survives a partial reset")
	assert.Equal(t, BatchToken("fwd-token"), oldLive.Token(types.DirectionForwards),
		"old live timeline can be forward-paginated back into")
	assert.Equal(t, BatchToken("back-token"), set.LiveTimeline().Token(types.DirectionBackwards))
}

func TestResetLiveTimelineWithoutTimelineSupport(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))

	// Even with a forward token, no timeline support means full reset.
	set.ResetLiveTimeline("back", "fwd")
	assert.Len(t, set.Timelines(), 1)
	assert.Nil(t, set.FindEventByID("$a"))
}

func TestHandleRemoteEchoReKeysIndex(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	local := types.NewLocalEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": "~local:txn",
		"type": "m.room.message",
		"room_id": %q,
		"content": {"body": "hi"}
	}`, testRoomID)), types.EventStatusSending, "txn")
	require.NoError(t, set.AddEventToTimeline(local, set.LiveTimeline(), AddEventOpts{}))

	require.NoError(t, set.HandleRemoteEcho(local, "~local:txn", "$real"))
	assert.Nil(t, set.TimelineForEvent("~local:txn"))
	assert.Same(t, set.LiveTimeline(), set.TimelineForEvent("$real"))
	assert.Len(t, set.LiveTimeline().Events(), 1, "re-keying does not duplicate the event")
}

func TestHandleRemoteEchoAppendsUnknownEvent(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	local := message("$fresh", 1)
	require.NoError(t, set.HandleRemoteEcho(local, "~never-added", "$fresh"))
	assert.Len(t, set.LiveTimeline().Events(), 1)
}

func TestInsertEventIntoTimelineTimestampOrder(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()
	require.NoError(t, set.AddEventToTimeline(message("$a", 10), tl, AddEventOpts{}))
	require.NoError(t, set.AddEventToTimeline(message("$c", 30), tl, AddEventOpts{}))

	require.NoError(t, set.InsertEventIntoTimeline(message("$b", 20), tl, nil))
	assert.Equal(t, []id.EventID{"$a", "$b", "$c"}, eventIDs(tl.Events()))

	// Equal timestamps keep arrival order: the new event goes after.
	require.NoError(t, set.InsertEventIntoTimeline(message("$b2", 20), tl, nil))
	assert.Equal(t, []id.EventID{"$a", "$b", "$b2", "$c"}, eventIDs(tl.Events()))
}

func TestRemoveEventFromSet(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))

	var removedID id.EventID
	set.AddListener(Listener{OnEventRemoved: func(ev *types.Event) { removedID = ev.ID() }})

	removed := set.RemoveEvent("$a")
	require.NotNil(t, removed)
	assert.Equal(t, id.EventID("$a"), removedID)
	assert.Nil(t, set.FindEventByID("$a"))
	assert.Nil(t, set.RemoveEvent("$a"))
}

func TestLiveEventFlag(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	type added struct {
		id      id.EventID
		toStart bool
		live    bool
	}
	var seen []added
	set.AddListener(Listener{
		OnTimelineEvent: func(ev *types.Event, _ *Timeline, toStart, live bool) {
			seen = append(seen, added{ev.ID(), toStart, live})
		},
	})

	require.NoError(t, set.AddLiveEvent(message("$live", 1), DuplicateIgnore, false, nil))
	require.NoError(t, set.AddLiveEvent(message("$cached", 2), DuplicateIgnore, true, nil))
	old, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*types.Event{message("$old", 0)}, true, old, TokenUnknown))

	require.Len(t, seen, 3)
	assert.Equal(t, added{"$live", false, true}, seen[0])
	assert.Equal(t, added{"$cached", false, false}, seen[1], "cache loads are not live")
	assert.Equal(t, added{"$old", true, false}, seen[2], "prepends are not live")
}

func reactionEvent(eventID, targetID string) *types.Event {
	return types.NewEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": %q,
		"type": "m.reaction",
		"room_id": %q,
		"sender": "@alice:example.org",
		"origin_server_ts": 5,
		"content": {"m.relates_to": {"rel_type": "m.annotation", "event_id": %q, "key": "x"}}
	}`, eventID, testRoomID, targetID)))
}

func TestTimelineSetFilter(t *testing.T) {
	onlyMessages := func(events []*types.Event) []*types.Event {
		kept := events[:0:0]
		for _, ev := range events {
			if ev.Type() == "m.room.message" {
				kept = append(kept, ev)
			}
		}
		return kept
	}
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true, Filter: onlyMessages})

	require.NoError(t, set.AddLiveEvent(message("$a", 1), DuplicateIgnore, false, nil))
	require.NoError(t, set.AddLiveEvent(reactionEvent("$r1", "$a"), DuplicateIgnore, false, nil))
	assert.Equal(t, []id.EventID{"$a"}, eventIDs(set.LiveTimeline().Events()))
	assert.Nil(t, set.FindEventByID("$r1"))

	// A batch with no survivors is dropped whole; the token stays put.
	tl, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline(
		[]*types.Event{reactionEvent("$r2", "$a")}, true, tl, BatchToken("tok1")))
	assert.Empty(t, tl.Events())
	assert.Equal(t, TokenUnknown, tl.Token(types.DirectionBackwards))

	// Survivors go in and the token applies.
	require.NoError(t, set.AddEventsToTimeline(
		[]*types.Event{message("$b", 2), reactionEvent("$r3", "$b")}, true, tl, BatchToken("tok2")))
	assert.Equal(t, []id.EventID{"$b"}, eventIDs(tl.Events()))
	assert.Equal(t, BatchToken("tok2"), tl.Token(types.DirectionBackwards))
}
