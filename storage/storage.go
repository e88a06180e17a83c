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

// Package storage persists local echoes across restarts so that
// unsent messages survive a client relaunch.
package storage

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/types"
)

// PendingStore persists a room's pending (locally echoed) events.
type PendingStore interface {
	// SavePendingEvents replaces the stored pending events for the room
	// with the given list, preserving order.
	SavePendingEvents(ctx context.Context, roomID id.RoomID, events []*types.Event) error
	// PendingEvents returns the stored pending events for the room in
	// insertion order.
	PendingEvents(ctx context.Context, roomID id.RoomID) ([]*types.Event, error)
	Close() error
}
