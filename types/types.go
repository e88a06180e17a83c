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

// Package types contains the client-side event model: raw-JSON backed
// events, room members and the enums shared by the timeline, state and
// room packages.
package types

import (
	"maunium.net/go/mautrix/id"
)

// Direction is a pagination direction as used by the client-server API.
type Direction string

const (
	DirectionBackwards Direction = "b"
	DirectionForwards  Direction = "f"
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirectionBackwards {
		return DirectionForwards
	}
	return DirectionBackwards
}

// EventStatus tracks the send state of a locally created event. The zero
// value means the event came from the server and has no local send state.
type EventStatus string

const (
	EventStatusNone      EventStatus = ""
	EventStatusSending   EventStatus = "sending"
	EventStatusQueued    EventStatus = "queued"
	EventStatusNotSent   EventStatus = "not_sent"
	EventStatusSent      EventStatus = "sent"
	EventStatusCancelled EventStatus = "cancelled"
)

// Relation rel_type values understood by this engine.
const (
	RelReplace    = "m.replace"
	RelAnnotation = "m.annotation"
	RelReference  = "m.reference"
	RelThread     = "m.thread"
)

// DisplayNameSource answers reverse display-name lookups. It is
// implemented by the room state so that members can decide whether their
// display name clashes with another member's.
type DisplayNameSource interface {
	UserIDsWithDisplayName(displayName string) []id.UserID
}
