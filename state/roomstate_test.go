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

package state

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

func stateEvent(evType, stateKey, content string) *types.Event {
	return types.NewEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": "$%s-%s",
		"type": %q,
		"state_key": %q,
		"room_id": %q,
		"sender": "@creator:example.org",
		"content": %s
	}`, evType, stateKey, evType, stateKey, testRoomID, content)))
}

func joinEvent(userID, displayName string) *types.Event {
	content := `{"membership": "join"`
	if displayName != "" {
		content += fmt.Sprintf(`, "displayname": %q`, displayName)
	}
	return stateEvent("m.room.member", userID, content+"}")
}

func TestSetStateEventsMaterialisesMembers(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@alice:example.org", "Alice"),
		joinEvent("@bob:example.org", "Bob"),
	})

	alice := s.Member("@alice:example.org")
	require.NotNil(t, alice)
	assert.Equal(t, "join", alice.Membership)
	assert.Equal(t, "Alice", alice.Name)
	assert.Len(t, s.Members(), 2)
	assert.Equal(t, 2, s.JoinedMemberCount())
}

func TestSetStateEventsNotificationOrder(t *testing.T) {
	s := NewRoomState(testRoomID)
	var order []string
	s.AddListener(Listener{
		OnEvent:  func(*types.Event) { order = append(order, "event") },
		OnMember: func(*types.Event, *types.RoomMember) { order = append(order, "member") },
		OnUpdate: func() { order = append(order, "update") },
	})
	s.SetStateEvents([]*types.Event{
		joinEvent("@alice:example.org", "Alice"),
		joinEvent("@bob:example.org", "Bob"),
	})
	// Per-event callbacks complete before any member materialisation,
	// and the batch update comes last.
	assert.Equal(t, []string{"event", "event", "member", "member", "update"}, order)
}

func TestSetStateEventsTwoPassDisambiguation(t *testing.T) {
	// Both members arrive in the same batch with the same name. The
	// display-name cache is fully built in the first pass, so both get
	// disambiguated regardless of batch order.
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@alice:example.org", "Dup"),
		joinEvent("@bob:example.org", "Dup"),
	})
	assert.Equal(t, "Dup (@alice:example.org)", s.Member("@alice:example.org").Name)
	assert.Equal(t, "Dup (@bob:example.org)", s.Member("@bob:example.org").Name)
}

func TestPowerLevelsPropagation(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@alice:example.org", "Alice"),
		joinEvent("@bob:example.org", "Bob"),
	})

	var notified []id.UserID
	s.AddListener(Listener{
		OnMember: func(_ *types.Event, m *types.RoomMember) { notified = append(notified, m.UserID) },
	})
	s.SetStateEvents([]*types.Event{
		stateEvent("m.room.power_levels", "", `{"users": {"@alice:example.org": 100}}`),
	})

	assert.EqualValues(t, 100, s.Member("@alice:example.org").PowerLevel)
	assert.EqualValues(t, 0, s.Member("@bob:example.org").PowerLevel)
	// Only the member whose level changed gets a notification.
	assert.Equal(t, []id.UserID{"@alice:example.org"}, notified)
}

func TestSentinelMemberFrozen(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{joinEvent("@alice:example.org", "Alice")})

	sentinel := s.GetSentinelMember("@alice:example.org")
	require.NotNil(t, sentinel)
	assert.Equal(t, "Alice", sentinel.Name)
	assert.Same(t, sentinel, s.GetSentinelMember("@alice:example.org"), "cached until invalidated")

	s.SetStateEvents([]*types.Event{joinEvent("@alice:example.org", "Alicia")})
	fresh := s.GetSentinelMember("@alice:example.org")
	assert.NotSame(t, sentinel, fresh)
	assert.Equal(t, "Alicia", fresh.Name)
	assert.Equal(t, "Alice", sentinel.Name, "old sentinel keeps its snapshot")
}

func TestSentinelsWipedByPowerLevels(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{joinEvent("@alice:example.org", "Alice")})
	sentinel := s.GetSentinelMember("@alice:example.org")
	s.SetStateEvents([]*types.Event{
		stateEvent("m.room.power_levels", "", `{"users": {"@alice:example.org": 100}}`),
	})
	assert.NotSame(t, sentinel, s.GetSentinelMember("@alice:example.org"))
}

func TestLeaveEventInheritsProfile(t *testing.T) {
	s := NewRoomState(testRoomID)
	leave := types.NewEvent(json.RawMessage(fmt.Sprintf(`{
		"event_id": "$leave",
		"type": "m.room.member",
		"state_key": "@alice:example.org",
		"room_id": %q,
		"content": {"membership": "leave"},
		"unsigned": {"prev_content": {"membership": "join", "displayname": "Alice", "avatar_url": "mxc://a"}}
	}`, testRoomID)))
	s.SetStateEvents([]*types.Event{leave})

	alice := s.Member("@alice:example.org")
	require.NotNil(t, alice)
	assert.Equal(t, "leave", alice.Membership)
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, "mxc://a", leave.WireContent().Get("avatar_url").Str)
}

func TestMemberCounts(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@alice:example.org", ""),
		stateEvent("m.room.member", "@carol:example.org", `{"membership": "invite"}`),
	})
	assert.Equal(t, 1, s.JoinedMemberCount())
	assert.Equal(t, 1, s.InvitedMemberCount())

	// Summary counts win even at zero.
	s.SetJoinedMemberCount(0)
	assert.Equal(t, 0, s.JoinedMemberCount())
	s.SetJoinedMemberCount(40)
	assert.Equal(t, 40, s.JoinedMemberCount())

	// The lazy fold cache invalidates when members change.
	s2 := NewRoomState(testRoomID)
	s2.SetStateEvents([]*types.Event{joinEvent("@alice:example.org", "")})
	assert.Equal(t, 1, s2.JoinedMemberCount())
	s2.SetStateEvents([]*types.Event{joinEvent("@bob:example.org", "")})
	assert.Equal(t, 2, s2.JoinedMemberCount())
}

func TestClone(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@alice:example.org", "Alice"),
		stateEvent("m.room.name", "", `{"name": "Test Room"}`),
	})
	s.SetJoinedMemberCount(7)

	c := s.Clone()
	assert.Equal(t, "Test Room", c.StateEvent("m.room.name", "").Content().Get("name").Str)
	require.NotNil(t, c.Member("@alice:example.org"))
	assert.Equal(t, 7, c.JoinedMemberCount())

	// Mutating the clone leaves the original alone.
	c.SetStateEvents([]*types.Event{joinEvent("@bob:example.org", "Bob")})
	assert.Nil(t, s.Member("@bob:example.org"))
}

func TestCloneCopiesFinishedOutOfBandMembers(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetOutOfBandMembers([]*types.Event{joinEvent("@lazy:example.org", "Lazy")})

	c := s.Clone()
	member := c.Member("@lazy:example.org")
	require.NotNil(t, member)
	assert.True(t, member.IsOutOfBand())
	assert.False(t, c.NeedsOutOfBandMembers())
}

func TestOutOfBandMembersNeverOverwriteSynced(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{joinEvent("@alice:example.org", "Synced")})
	s.SetOutOfBandMembers([]*types.Event{joinEvent("@alice:example.org", "Stale")})
	assert.Equal(t, "Synced", s.Member("@alice:example.org").Name)
}

func TestFindPredecessor(t *testing.T) {
	s := NewRoomState(testRoomID)
	_, ok := s.FindPredecessor(false)
	assert.False(t, ok)

	s.SetStateEvents([]*types.Event{
		stateEvent("m.room.create", "", `{"predecessor": {"room_id": "!old:example.org", "event_id": "$tomb"}}`),
	})
	p, ok := s.FindPredecessor(false)
	require.True(t, ok)
	assert.Equal(t, id.RoomID("!old:example.org"), p.RoomID)
	assert.Equal(t, id.EventID("$tomb"), p.EventID)

	// Dynamic predecessor wins when enabled.
	s.SetStateEvents([]*types.Event{
		stateEvent("org.matrix.msc3946.room_predecessor", "",
			`{"predecessor_room_id": "!older:example.org", "via_servers": ["example.org"]}`),
	})
	p, ok = s.FindPredecessor(true)
	require.True(t, ok)
	assert.Equal(t, id.RoomID("!older:example.org"), p.RoomID)
	assert.Equal(t, []string{"example.org"}, p.ViaServers)

	p, ok = s.FindPredecessor(false)
	require.True(t, ok)
	assert.Equal(t, id.RoomID("!old:example.org"), p.RoomID, "dynamic lookup is opt-in")
}

func TestFindPredecessorRejectsNonStringRoomID(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		stateEvent("m.room.create", "", `{"predecessor": {"room_id": 42}}`),
	})
	_, ok := s.FindPredecessor(false)
	assert.False(t, ok)
}

func TestPermissionQueries(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@admin:example.org", ""),
		joinEvent("@pleb:example.org", ""),
		stateEvent("m.room.power_levels", "", `{
			"users": {"@admin:example.org": 100},
			"users_default": 0,
			"events_default": 0,
			"state_default": 50,
			"redact": 50,
			"events": {"m.room.name": 75}
		}`),
	})

	assert.EqualValues(t, 100, s.UserLevel("@admin:example.org"))
	assert.EqualValues(t, 0, s.UserLevel("@pleb:example.org"))

	assert.True(t, s.MaySendMessage("@pleb:example.org"))
	assert.True(t, s.MaySendStateEvent("m.room.topic", "@admin:example.org"))
	assert.False(t, s.MaySendStateEvent("m.room.topic", "@pleb:example.org"))
	assert.False(t, s.MaySendEvent("m.room.name", "@pleb:example.org"))

	assert.True(t, s.HasSufficientPowerLevelFor("redact", 50))
	assert.False(t, s.HasSufficientPowerLevelFor("redact", 49))
	assert.False(t, s.HasSufficientPowerLevelFor("fly", 100))
}

func TestMaySendRedactionForEvent(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.SetStateEvents([]*types.Event{
		joinEvent("@admin:example.org", ""),
		joinEvent("@pleb:example.org", ""),
		stateEvent("m.room.member", "@gone:example.org", `{"membership": "leave"}`),
		stateEvent("m.room.power_levels", "", `{"users": {"@admin:example.org": 100}, "redact": 50}`),
	})

	plebMsg := types.NewEvent(json.RawMessage(`{
		"event_id": "$msg", "type": "m.room.message",
		"sender": "@pleb:example.org", "content": {"body": "x"}
	}`))

	assert.True(t, s.MaySendRedactionForEvent(plebMsg, "@pleb:example.org"), "own event")
	assert.True(t, s.MaySendRedactionForEvent(plebMsg, "@admin:example.org"), "power level")
	assert.False(t, s.MaySendRedactionForEvent(plebMsg, "@gone:example.org"), "left the room")
	assert.False(t, s.MaySendRedactionForEvent(plebMsg, "@stranger:example.org"), "no member")

	pending := types.NewLocalEvent(json.RawMessage(`{
		"event_id": "~local", "type": "m.room.message",
		"sender": "@pleb:example.org", "content": {}
	}`), types.EventStatusSending, "txn")
	assert.False(t, s.MaySendRedactionForEvent(pending, "@admin:example.org"), "pending event")

	require.NoError(t, plebMsg.MakeRedacted(types.NewEvent(json.RawMessage(`{"event_id": "$r", "type": "m.room.redaction"}`))))
	assert.False(t, s.MaySendRedactionForEvent(plebMsg, "@admin:example.org"), "already redacted")
}
