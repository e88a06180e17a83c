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

// Package state projects a room's state events into queryable members,
// display names, member counts and permission checks.
package state

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/types"
)

// MarkerEventType is the MSC2716 history-import marker.
const MarkerEventType = "org.matrix.msc2716.marker"

// PredecessorEventType is the MSC3946 dynamic room predecessor.
const PredecessorEventType = "org.matrix.msc3946.room_predecessor"

// OutOfBandStatus tracks the lazy-loaded member fetch for a state object.
type OutOfBandStatus int

const (
	OutOfBandNotStarted OutOfBandStatus = iota
	OutOfBandInProgress
	OutOfBandFinished
)

// Listener receives state-change notifications. Per-event callbacks fire
// before OnUpdate for the same batch. Any field may be nil.
type Listener struct {
	// OnEvent fires once per state event applied, before members are
	// materialised from it.
	OnEvent func(event *types.Event)
	// OnMember fires when a member is updated, with the event that
	// caused the update.
	OnMember func(event *types.Event, member *types.RoomMember)
	// OnNewMember fires the first time a user is materialised.
	OnNewMember func(member *types.RoomMember)
	// OnMarker fires for MSC2716 history-import markers.
	OnMarker func(event *types.Event)
	// OnUpdate fires once per SetStateEvents batch.
	OnUpdate func()
}

// RoomState is the state of a room at a point in time. Timelines anchor
// one RoomState at each end.
type RoomState struct {
	roomID id.RoomID

	// events is the (type, state key) projection.
	events  map[string]map[string]*types.Event
	members map[id.UserID]*types.RoomMember

	// sentinels are frozen member snapshots handed to events as they are
	// added to timelines. Invalidated when the underlying member moves.
	sentinels map[id.UserID]*types.RoomMember

	displayNameToUserIDs map[string][]id.UserID
	userIDToDisplayName  map[id.UserID]string

	// Summary counts always win over folding the member list, even when
	// zero. nil means the server has not told us.
	summaryJoinedCount  *int
	summaryInvitedCount *int
	joinedCount         *int
	invitedCount        *int

	oobStatus OutOfBandStatus

	listeners []Listener
}

// NewRoomState creates empty state for a room.
func NewRoomState(roomID id.RoomID) *RoomState {
	return &RoomState{
		roomID:               roomID,
		events:               map[string]map[string]*types.Event{},
		members:              map[id.UserID]*types.RoomMember{},
		sentinels:            map[id.UserID]*types.RoomMember{},
		displayNameToUserIDs: map[string][]id.UserID{},
		userIDToDisplayName:  map[id.UserID]string{},
	}
}

// RoomID returns the room this state belongs to.
func (s *RoomState) RoomID() id.RoomID { return s.roomID }

// AddListener registers a state listener.
func (s *RoomState) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// SetStateEvents folds a batch of state events into this state. The fold
// runs in two passes: the first updates the raw (type, state key)
// projection and the display-name cache, the second materialises members
// and propagates power levels, so that member updates always see the
// complete new state.
func (s *RoomState) SetStateEvents(events []*types.Event) {
	state := make([]*types.Event, 0, len(events))
	for _, event := range events {
		if !event.IsState() {
			logrus.WithField("event_id", event.ID()).
				Warn("Ignoring non-state event in state fold")
			continue
		}
		if event.RoomID() != "" && event.RoomID() != s.roomID {
			logrus.WithFields(logrus.Fields{
				"event_id": event.ID(),
				"room_id":  event.RoomID(),
			}).Warn("Ignoring state event for wrong room")
			continue
		}
		state = append(state, event)

		s.setStateEvent(event)
		if event.Type() == spec.MRoomMember {
			sk, _ := event.StateKey()
			s.updateDisplayNameCache(id.UserID(sk), event.DirectionalContent().Get("displayname").Str)
		}
		for _, l := range s.listeners {
			if l.OnEvent != nil {
				l.OnEvent(event)
			}
		}
	}

	for _, event := range state {
		switch event.Type() {
		case spec.MRoomMember:
			sk, _ := event.StateKey()
			userID := id.UserID(sk)
			fakeUpLeaveContent(event)

			member, isNew := s.getOrCreateMember(userID)
			member.SetMembershipEvent(event, s)
			s.updateMember(member)
			delete(s.sentinels, userID)

			for _, l := range s.listeners {
				if isNew && l.OnNewMember != nil {
					l.OnNewMember(member)
				}
				if l.OnMember != nil {
					l.OnMember(event, member)
				}
			}
		case spec.MRoomPowerLevels:
			for _, member := range s.members {
				if member.SetPowerLevelEvent(event) {
					for _, l := range s.listeners {
						if l.OnMember != nil {
							l.OnMember(event, member)
						}
					}
				}
			}
			// Sentinels carry power levels too, so a new power-levels
			// event invalidates all of them.
			s.sentinels = map[id.UserID]*types.RoomMember{}
		case MarkerEventType:
			for _, l := range s.listeners {
				if l.OnMarker != nil {
					l.OnMarker(event)
				}
			}
		}
	}

	for _, l := range s.listeners {
		if l.OnUpdate != nil {
			l.OnUpdate()
		}
	}
}

func (s *RoomState) setStateEvent(event *types.Event) {
	sk, _ := event.StateKey()
	byKey := s.events[event.Type()]
	if byKey == nil {
		byKey = map[string]*types.Event{}
		s.events[event.Type()] = byKey
	}
	byKey[sk] = event
}

// StateEvent returns the current state event for (eventType, stateKey),
// or nil.
func (s *RoomState) StateEvent(eventType, stateKey string) *types.Event {
	return s.events[eventType][stateKey]
}

// StateEvents returns all current state events of the given type.
func (s *RoomState) StateEvents(eventType string) []*types.Event {
	events := make([]*types.Event, 0, len(s.events[eventType]))
	for _, event := range s.events[eventType] {
		events = append(events, event)
	}
	return events
}

// AllStateEvents returns every current state event.
func (s *RoomState) AllStateEvents() []*types.Event {
	var events []*types.Event
	for _, byKey := range s.events {
		for _, event := range byKey {
			events = append(events, event)
		}
	}
	return events
}

// Member returns the member for userID, or nil if never seen.
func (s *RoomState) Member(userID id.UserID) *types.RoomMember {
	return s.members[userID]
}

// Members returns all known members.
func (s *RoomState) Members() []*types.RoomMember {
	members := make([]*types.RoomMember, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	return members
}

// GetSentinelMember returns a frozen member snapshot for userID,
// creating one from the current state if needed. Snapshots stay valid
// until the member's state changes.
func (s *RoomState) GetSentinelMember(userID id.UserID) *types.RoomMember {
	if userID == "" {
		return nil
	}
	sentinel, ok := s.sentinels[userID]
	if !ok {
		sentinel = types.NewRoomMember(s.roomID, userID)
		if member := s.members[userID]; member != nil && member.MemberEvent() != nil {
			sentinel.SetMembershipEvent(member.MemberEvent(), s)
			if pl := s.StateEvent(spec.MRoomPowerLevels, ""); pl != nil {
				sentinel.SetPowerLevelEvent(pl)
			}
		}
		s.sentinels[userID] = sentinel
	}
	return sentinel
}

func (s *RoomState) getOrCreateMember(userID id.UserID) (*types.RoomMember, bool) {
	member, ok := s.members[userID]
	if !ok {
		member = types.NewRoomMember(s.roomID, userID)
		if pl := s.StateEvent(spec.MRoomPowerLevels, ""); pl != nil {
			member.SetPowerLevelEvent(pl)
		}
		s.members[userID] = member
	}
	return member, !ok
}

func (s *RoomState) updateMember(member *types.RoomMember) {
	s.members[member.UserID] = member
	s.joinedCount = nil
	s.invitedCount = nil
}

// fakeUpLeaveContent copies displayname and avatar_url from prev_content
// onto leave and ban events, which do not carry them, so that the
// departed member keeps a usable name.
func fakeUpLeaveContent(event *types.Event) {
	membership := event.WireContent().Get("membership").Str
	if membership != string(spec.Leave) && membership != string(spec.Ban) {
		return
	}
	raw := event.Raw()
	prev := event.PrevContent()
	var err error
	for _, key := range []string{"displayname", "avatar_url"} {
		if event.WireContent().Get(key).Exists() || !prev.Get(key).Exists() {
			continue
		}
		raw, err = sjson.SetBytes(raw, "content."+key, prev.Get(key).Str)
		if err != nil {
			logrus.WithError(err).WithField("event_id", event.ID()).
				Warn("Failed to inherit profile onto leave event")
			return
		}
	}
	event.SetRaw(raw)
}

func (s *RoomState) updateDisplayNameCache(userID id.UserID, displayName string) {
	if old, ok := s.userIDToDisplayName[userID]; ok {
		key := types.StripHiddenChars(old)
		ids := s.displayNameToUserIDs[key]
		for i, uid := range ids {
			if uid == userID {
				s.displayNameToUserIDs[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	s.userIDToDisplayName[userID] = displayName
	if displayName == "" {
		return
	}
	key := types.StripHiddenChars(displayName)
	s.displayNameToUserIDs[key] = append(s.displayNameToUserIDs[key], userID)
}

// UserIDsWithDisplayName returns the users currently using the given
// display name. Lookup ignores hidden characters.
func (s *RoomState) UserIDsWithDisplayName(displayName string) []id.UserID {
	return s.displayNameToUserIDs[types.StripHiddenChars(displayName)]
}

// SetJoinedMemberCount records the server summary joined count.
func (s *RoomState) SetJoinedMemberCount(count int) {
	s.summaryJoinedCount = &count
}

// SetInvitedMemberCount records the server summary invited count.
func (s *RoomState) SetInvitedMemberCount(count int) {
	s.summaryInvitedCount = &count
}

// JoinedMemberCount returns the summary count if the server supplied
// one, otherwise folds the member list. The fold is cached until a
// member changes.
func (s *RoomState) JoinedMemberCount() int {
	if s.summaryJoinedCount != nil {
		return *s.summaryJoinedCount
	}
	if s.joinedCount == nil {
		count := s.countMembership(string(spec.Join))
		s.joinedCount = &count
	}
	return *s.joinedCount
}

// InvitedMemberCount is the invite counterpart of JoinedMemberCount.
func (s *RoomState) InvitedMemberCount() int {
	if s.summaryInvitedCount != nil {
		return *s.summaryInvitedCount
	}
	if s.invitedCount == nil {
		count := s.countMembership(string(spec.Invite))
		s.invitedCount = &count
	}
	return *s.invitedCount
}

func (s *RoomState) countMembership(membership string) int {
	count := 0
	for _, m := range s.members {
		if m.Membership == membership {
			count++
		}
	}
	return count
}

// NeedsOutOfBandMembers reports whether lazy-loaded members have not
// been requested yet.
func (s *RoomState) NeedsOutOfBandMembers() bool {
	return s.oobStatus == OutOfBandNotStarted
}

// MarkOutOfBandMembersStarted flags an in-flight member fetch.
func (s *RoomState) MarkOutOfBandMembersStarted() {
	s.oobStatus = OutOfBandInProgress
}

// MarkOutOfBandMembersFailed allows the fetch to be retried.
func (s *RoomState) MarkOutOfBandMembersFailed() {
	s.oobStatus = OutOfBandNotStarted
}

// SetOutOfBandMembers folds lazy-loaded member events in. Members that
// arrived through the timeline are never overwritten.
func (s *RoomState) SetOutOfBandMembers(events []*types.Event) {
	s.oobStatus = OutOfBandFinished
	for _, event := range events {
		if event.Type() != spec.MRoomMember {
			continue
		}
		sk, ok := event.StateKey()
		if !ok {
			continue
		}
		userID := id.UserID(sk)
		if existing := s.members[userID]; existing != nil && !existing.IsOutOfBand() {
			continue
		}
		member, isNew := s.getOrCreateMember(userID)
		member.SetMembershipEvent(event, s)
		member.MarkOutOfBand()
		s.updateDisplayNameCache(userID, member.RawDisplayName)
		s.setStateEvent(event)
		s.updateMember(member)
		delete(s.sentinels, userID)
		for _, l := range s.listeners {
			if isNew && l.OnNewMember != nil {
				l.OnNewMember(member)
			}
			if l.OnMember != nil {
				l.OnMember(event, member)
			}
		}
	}
}

// Clone returns a deep copy by replaying the current state events into a
// fresh state. Listeners are not copied.
func (s *RoomState) Clone() *RoomState {
	copied := NewRoomState(s.roomID)
	copied.SetStateEvents(s.AllStateEvents())
	if s.summaryJoinedCount != nil {
		copied.SetJoinedMemberCount(*s.summaryJoinedCount)
	}
	if s.summaryInvitedCount != nil {
		copied.SetInvitedMemberCount(*s.summaryInvitedCount)
	}
	// Replaying the state events cleared every out-of-band flag, so
	// restore them. An in-progress fetch does not carry over.
	if s.oobStatus == OutOfBandFinished {
		copied.oobStatus = OutOfBandFinished
		for userID, member := range s.members {
			if member.IsOutOfBand() && copied.members[userID] != nil {
				copied.members[userID].MarkOutOfBand()
			}
		}
	}
	return copied
}

// Predecessor identifies the room this room replaced.
type Predecessor struct {
	RoomID     id.RoomID
	EventID    id.EventID
	ViaServers []string
}

// FindPredecessor returns the predecessor room, preferring the dynamic
// MSC3946 state event when asked, otherwise the m.room.create content.
func (s *RoomState) FindPredecessor(processDynamicPredecessor bool) (Predecessor, bool) {
	if processDynamicPredecessor {
		if event := s.StateEvent(PredecessorEventType, ""); event != nil {
			content := event.Content()
			roomID := content.Get("predecessor_room_id")
			if roomID.Type == gjson.String && roomID.Str != "" {
				p := Predecessor{RoomID: id.RoomID(roomID.Str)}
				if eventID := content.Get("last_known_event_id"); eventID.Type == gjson.String {
					p.EventID = id.EventID(eventID.Str)
				}
				for _, via := range content.Get("via_servers").Array() {
					p.ViaServers = append(p.ViaServers, via.Str)
				}
				return p, true
			}
		}
	}
	create := s.StateEvent(spec.MRoomCreate, "")
	if create == nil {
		return Predecessor{}, false
	}
	pred := create.Content().Get("predecessor")
	roomID := pred.Get("room_id")
	if roomID.Type != gjson.String || roomID.Str == "" {
		return Predecessor{}, false
	}
	p := Predecessor{RoomID: id.RoomID(roomID.Str)}
	if eventID := pred.Get("event_id"); eventID.Type == gjson.String {
		p.EventID = id.EventID(eventID.Str)
	}
	return p, true
}

// powerLevels parses the current power-levels event, applying the
// specified defaults when fields (or the whole event) are missing.
func (s *RoomState) powerLevels() gomatrixserverlib.PowerLevelContent {
	var pl gomatrixserverlib.PowerLevelContent
	pl.Defaults()
	if event := s.StateEvent(spec.MRoomPowerLevels, ""); event != nil {
		if err := json.Unmarshal([]byte(event.Content().Raw), &pl); err != nil {
			logrus.WithError(err).WithField("room_id", s.roomID).
				Warn("Failed to parse power levels, using defaults")
			pl = gomatrixserverlib.PowerLevelContent{}
			pl.Defaults()
		}
	}
	return pl
}

// UserLevel returns userID's power level under the current state.
func (s *RoomState) UserLevel(userID id.UserID) int64 {
	pl := s.powerLevels()
	return pl.UserLevel(spec.SenderID(userID))
}

// MaySendEvent reports whether userID may send events of the given type.
func (s *RoomState) MaySendEvent(eventType string, userID id.UserID) bool {
	return s.maySendEventOfType(eventType, userID, false)
}

// MaySendStateEvent reports whether userID may send state events of the
// given type.
func (s *RoomState) MaySendStateEvent(eventType string, userID id.UserID) bool {
	return s.maySendEventOfType(eventType, userID, true)
}

// MaySendMessage reports whether userID may send m.room.message events.
func (s *RoomState) MaySendMessage(userID id.UserID) bool {
	return s.maySendEventOfType("m.room.message", userID, false)
}

func (s *RoomState) maySendEventOfType(eventType string, userID id.UserID, isState bool) bool {
	pl := s.powerLevels()
	return pl.UserLevel(spec.SenderID(userID)) >= pl.EventLevel(eventType, isState)
}

// HasSufficientPowerLevelFor reports whether powerLevel suffices for the
// given action ("ban", "kick" or "redact").
func (s *RoomState) HasSufficientPowerLevelFor(action string, powerLevel int64) bool {
	pl := s.powerLevels()
	var required int64
	switch action {
	case "ban":
		required = pl.Ban
	case "kick":
		required = pl.Kick
	case "redact":
		required = pl.Redact
	default:
		return false
	}
	return powerLevel >= required
}

// MaySendRedactionForEvent reports whether userID may redact the given
// event: their own events need the redaction send level, other people's
// events need the "redact" action level. Pending or already redacted
// events can never be redacted.
func (s *RoomState) MaySendRedactionForEvent(event *types.Event, userID id.UserID) bool {
	member := s.Member(userID)
	if member == nil || member.Membership == string(spec.Leave) {
		return false
	}
	if event.Status() != types.EventStatusNone || event.IsRedacted() {
		return false
	}
	if event.SenderID() == userID {
		return s.MaySendEvent(spec.MRoomRedaction, userID)
	}
	return s.HasSufficientPowerLevelFor("redact", member.PowerLevel)
}
