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

package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

var (
	mxidPattern = regexp.MustCompile(`@.+:.+`)
	// Unicode direction override characters can make a display name
	// visually impersonate another one.
	ltrRtlPattern = regexp.MustCompile("[‎‏‪-‮]")
)

// RoomMember is a user's membership in one room, projected from the
// member and power-level state events.
type RoomMember struct {
	RoomID id.RoomID
	UserID id.UserID

	// Name is the display name after disambiguation; RawDisplayName is
	// the name as sent, with the user ID substituted when unusable.
	Name           string
	RawDisplayName string
	Membership     string

	PowerLevel     int64
	PowerLevelNorm int64

	memberEvent *Event
	outOfBand   bool
}

// NewRoomMember creates a member that has not yet seen any state.
func NewRoomMember(roomID id.RoomID, userID id.UserID) *RoomMember {
	return &RoomMember{
		RoomID: roomID,
		UserID: userID,
		Name:   string(userID),
	}
}

// MemberEvent returns the m.room.member event this member was built
// from, if any.
func (m *RoomMember) MemberEvent() *Event { return m.memberEvent }

// MarkOutOfBand flags this member as sourced outside the timeline, e.g.
// from a lazy-loaded members response.
func (m *RoomMember) MarkOutOfBand() { m.outOfBand = true }

// IsOutOfBand reports whether the member came from outside the timeline.
func (m *RoomMember) IsOutOfBand() bool { return m.outOfBand }

// SetMembershipEvent updates the member from an m.room.member event,
// computing the disambiguated display name against the given source.
// Returns whether the membership and the name changed.
func (m *RoomMember) SetMembershipEvent(event *Event, names DisplayNameSource) (membershipChanged, nameChanged bool) {
	if event.Type() != spec.MRoomMember {
		return false, false
	}
	m.outOfBand = false
	m.memberEvent = event

	content := event.DirectionalContent()
	displayName := content.Get("displayname").Str

	oldMembership := m.Membership
	m.Membership = content.Get("membership").Str

	disambiguate := shouldDisambiguate(m.UserID, displayName, names)
	oldName := m.Name
	m.Name = calculateDisplayName(m.UserID, displayName, disambiguate)

	m.RawDisplayName = displayName
	if m.RawDisplayName == "" || StripHiddenChars(m.RawDisplayName) == "" {
		m.RawDisplayName = string(m.UserID)
	}
	return oldMembership != m.Membership, oldName != m.Name
}

// SetPowerLevelEvent updates the member's power level from the room's
// m.room.power_levels event. Returns whether either the level or the
// normalised level changed.
func (m *RoomMember) SetPowerLevelEvent(event *Event) bool {
	if event.Type() != spec.MRoomPowerLevels {
		return false
	}
	if sk, ok := event.StateKey(); !ok || sk != "" {
		return false
	}
	content := event.DirectionalContent()
	users := content.Get("users")
	usersDefault := content.Get("users_default")

	maxLevel := usersDefault.Int()
	users.ForEach(func(_, level gjson.Result) bool {
		if level.Int() > maxLevel {
			maxLevel = level.Int()
		}
		return true
	})

	oldLevel, oldNorm := m.PowerLevel, m.PowerLevelNorm
	if lvl := users.Get(escapeKey(string(m.UserID))); lvl.Exists() {
		m.PowerLevel = lvl.Int()
	} else if usersDefault.Exists() {
		m.PowerLevel = usersDefault.Int()
	} else {
		m.PowerLevel = 0
	}
	m.PowerLevelNorm = 0
	if maxLevel > 0 {
		m.PowerLevelNorm = m.PowerLevel * 100 / maxLevel
	}
	return oldLevel != m.PowerLevel || oldNorm != m.PowerLevelNorm
}

func shouldDisambiguate(userID id.UserID, displayName string, names DisplayNameSource) bool {
	if displayName == "" || displayName == string(userID) {
		return false
	}
	if names == nil {
		return false
	}
	if StripHiddenChars(displayName) == "" {
		return false
	}
	// Names that look like user IDs or carry direction overrides always
	// get the real user ID appended.
	if mxidPattern.MatchString(displayName) {
		return true
	}
	if ltrRtlPattern.MatchString(displayName) {
		return true
	}
	for _, other := range names.UserIDsWithDisplayName(displayName) {
		if other != userID {
			return true
		}
	}
	return false
}

func calculateDisplayName(userID id.UserID, displayName string, disambiguate bool) string {
	if displayName == "" || displayName == string(userID) {
		return string(userID)
	}
	if disambiguate {
		return fmt.Sprintf("%s (%s)", removeDirectionOverrides(displayName), userID)
	}
	if StripHiddenChars(displayName) == "" {
		return string(userID)
	}
	return removeDirectionOverrides(displayName)
}

func removeDirectionOverrides(s string) string {
	return ltrRtlPattern.ReplaceAllString(s, "")
}

// StripHiddenChars strips whitespace, combining marks and zero-width or
// directional formatting characters. Used to judge whether a display
// name is visibly non-empty and to key the reverse display-name cache.
func StripHiddenChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 0x2000 && r <= 0x200F:
		case r >= 0x202A && r <= 0x202F:
		case r >= 0x0300 && r <= 0x036F:
		case r == 0xFEFF || r == 0x061C:
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
