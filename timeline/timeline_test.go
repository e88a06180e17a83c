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

const testRoomID = id.RoomID("!room:example.org")

func message(eventID string, ts int64) *types.Event {
	return types.NewEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": %q,
		"type": "m.room.message",
		"room_id": %q,
		"sender": "@alice:example.org",
		"origin_server_ts": %d,
		"content": {"body": "msg %s", "msgtype": "m.text"}
	}`, eventID, testRoomID, ts, eventID)))
}

func messages(n int) []*types.Event {
	events := make([]*types.Event, n)
	for i := range events {
		events[i] = message(fmt.Sprintf("$ev%d", i), int64(1000+i))
	}
	return events
}

func newTestSet(t *testing.T, opts TimelineSetOpts) *TimelineSet {
	t.Helper()
	return NewTimelineSet(testRoomID, opts)
}

func eventIDs(events []*types.Event) []id.EventID {
	ids := make([]id.EventID, len(events))
	for i, ev := range events {
		ids[i] = ev.ID()
	}
	return ids
}

func TestTimelineAddEvent(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()

	tl.AddEvent(message("$a", 1), false, nil)
	tl.AddEvent(message("$b", 2), false, nil)
	assert.Equal(t, []id.EventID{"$a", "$b"}, eventIDs(tl.Events()))
	assert.Equal(t, 0, tl.BaseIndex())
}

func TestTimelineBaseIndexStability(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()
	tl.AddEvent(message("$a", 10), false, nil)

	// $a sits at relative index (0 - 0) = 0. Prepending moves its
	// absolute position but baseIndex moves with it.
	relIndex := tl.FindEvent("$a") - tl.BaseIndex()
	tl.AddEvent(message("$old", 5), true, nil)
	tl.AddEvent(message("$older", 1), true, nil)
	assert.Equal(t, 2, tl.BaseIndex())
	assert.Equal(t, relIndex, tl.FindEvent("$a")-tl.BaseIndex())
	assert.Equal(t, []id.EventID{"$older", "$old", "$a"}, eventIDs(tl.Events()))
}

func TestTimelineRemoveEventAdjustsBaseIndex(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()
	tl.AddEvent(message("$a", 10), false, nil)
	tl.AddEvent(message("$old", 5), true, nil)
	require.Equal(t, 1, tl.BaseIndex())

	relIndex := tl.FindEvent("$a") - tl.BaseIndex()
	removed := tl.RemoveEvent("$old")
	require.NotNil(t, removed)
	assert.Equal(t, id.EventID("$old"), removed.ID())
	assert.Equal(t, 0, tl.BaseIndex(), "removal before baseIndex decrements it")
	assert.Equal(t, relIndex, tl.FindEvent("$a")-tl.BaseIndex())

	assert.Nil(t, tl.RemoveEvent("$missing"))
}

func TestTimelineNeighbourLinksAreWriteOnce(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{TimelineSupport: true})
	a := set.LiveTimeline()
	b, err := set.AddTimeline()
	require.NoError(t, err)

	a.SetToken(BatchToken("tok-back"), types.DirectionBackwards)
	require.NoError(t, a.SetNeighbouringTimeline(b, types.DirectionBackwards))
	assert.Same(t, b, a.NeighbouringTimeline(types.DirectionBackwards))
	assert.Equal(t, EndOfHistory, a.Token(types.DirectionBackwards),
		"linking a neighbour supersedes the token on that side")

	err = a.SetNeighbouringTimeline(b, types.DirectionBackwards)
	assert.Error(t, err)
}

func TestTimelineInitialiseStateOnlyWhenEmpty(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()
	require.NoError(t, tl.InitialiseState(nil))

	tl.AddEvent(message("$a", 1), false, nil)
	assert.Error(t, tl.InitialiseState(nil))
}

func TestTimelineForkAndForkLive(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()
	liveState := tl.State(types.DirectionForwards)

	forked := tl.Fork(types.DirectionForwards)
	assert.NotSame(t, liveState, forked.State(types.DirectionForwards),
		"fork clones both ends")
	assert.NotSame(t, liveState, forked.State(types.DirectionBackwards))
	assert.Same(t, liveState, tl.State(types.DirectionForwards),
		"fork leaves the original state in place")

	forkedLive := tl.ForkLive(types.DirectionForwards)
	assert.Same(t, liveState, forkedLive.State(types.DirectionForwards),
		"forkLive hands the live state object to the new timeline")
	assert.NotSame(t, liveState, tl.State(types.DirectionForwards),
		"the old timeline is left with a clone")
}

func TestTimelineInsertEvent(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{})
	tl := set.LiveTimeline()
	tl.AddEvent(message("$a", 10), false, nil)
	tl.AddEvent(message("$c", 30), false, nil)

	tl.InsertEvent(message("$b", 20), 1, nil)
	assert.Equal(t, []id.EventID{"$a", "$b", "$c"}, eventIDs(tl.Events()))

	// Insert before baseIndex bumps it.
	tl.AddEvent(message("$old", 1), true, nil)
	base := tl.BaseIndex()
	tl.InsertEvent(message("$ancient", 0), 0, nil)
	assert.Equal(t, base+1, tl.BaseIndex())
}

func aliceMemberEvent(eventID string) *types.Event {
	return types.NewEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": %q,
		"type": "m.room.member",
		"room_id": %q,
		"sender": "@alice:example.org",
		"state_key": "@alice:example.org",
		"origin_server_ts": 100,
		"content": {"membership": "join", "displayname": "new name"},
		"unsigned": {"prev_content": {"membership": "join", "displayname": "old name"}}
	}`, eventID, testRoomID)))
}

func TestAddEventPrependedMemberKeepsPreFoldSender(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{ManageState: true})
	tl := set.LiveTimeline()

	// Prepending: the sender sentinel must describe the state BEFORE the
	// membership event, not the state the event itself just folded in.
	prepended := aliceMemberEvent("$m1")
	tl.AddEvent(prepended, true, nil)
	sender := prepended.Sender()
	require.NotNil(t, sender)
	assert.Nil(t, sender.MemberEvent(),
		"sentinel is not rebuilt from the event's own fold")
	assert.Equal(t, "@alice:example.org", sender.Name)

	// Appending: the sentinel is refreshed so it carries the new profile.
	other := newTestSet(t, TimelineSetOpts{ManageState: true})
	appended := aliceMemberEvent("$m2")
	other.LiveTimeline().AddEvent(appended, false, nil)
	sender = appended.Sender()
	require.NotNil(t, sender)
	require.NotNil(t, sender.MemberEvent())
	assert.Equal(t, "new name", sender.Name)
}

func TestTimelineInsertEventFoldsState(t *testing.T) {
	set := newTestSet(t, TimelineSetOpts{ManageState: true})
	tl := set.LiveTimeline()
	tl.AddEvent(message("$a", 10), false, nil)

	topic := types.NewEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": "$topic",
		"type": "m.room.topic",
		"room_id": %q,
		"sender": "@alice:example.org",
		"state_key": "",
		"origin_server_ts": 20,
		"content": {"topic": "hello"}
	}`, testRoomID)))
	tl.InsertEvent(topic, 1, nil)

	got := tl.State(types.DirectionForwards).StateEvent("m.room.topic", "")
	require.NotNil(t, got)
	assert.Equal(t, id.EventID("$topic"), got.ID())
}
