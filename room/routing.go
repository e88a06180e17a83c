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

package room

import (
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/types"
)

// EventDestination says which timeline sets of a room an incoming event
// belongs to. Thread roots live in both the room and their own thread.
type EventDestination struct {
	ShouldLiveInRoom   bool
	ShouldLiveInThread bool
	ThreadID           id.EventID
}

// FindThreadRoots collects the IDs of every event targeted by an
// m.thread relation within the batch. These targets are thread roots
// even when the root event itself is absent from the batch.
func FindThreadRoots(events []*types.Event) map[id.EventID]struct{} {
	roots := make(map[id.EventID]struct{})
	for _, ev := range events {
		if !ev.IsRelation(types.RelThread) {
			continue
		}
		if target := ev.RelatesToID(); target != "" {
			roots[target] = struct{}{}
		}
	}
	return roots
}

// EventShouldLiveIn routes an event to the room timeline, a thread
// timeline, or both. Relations and redactions follow their target: a
// reaction to a threaded message lives in that thread even though the
// reaction itself carries no m.thread relation.
func (r *Room) EventShouldLiveIn(event *types.Event, batch []*types.Event, roots map[id.EventID]struct{}) EventDestination {
	if !r.opts.ThreadSupport {
		return EventDestination{ShouldLiveInRoom: true}
	}

	if _, isRoot := roots[event.ID()]; isRoot || event.IsThreadRoot() {
		return EventDestination{
			ShouldLiveInRoom:   true,
			ShouldLiveInThread: true,
			ThreadID:           event.ID(),
		}
	}

	if rootID := event.ThreadRootID(); rootID != "" {
		return EventDestination{
			ShouldLiveInThread: true,
			ThreadID:           rootID,
		}
	}

	parentID := event.AssociatedID()
	var parent *types.Event
	if parentID != "" {
		parent = r.FindEventByID(parentID)
		if parent == nil {
			for _, candidate := range batch {
				if candidate.ID() == parentID {
					parent = candidate
					break
				}
			}
		}
	}

	// Recurse on the target so chains of relations (an edit of a
	// threaded reply, a redaction of a reaction) land where it did.
	if parent != nil && (event.IsRelation() || event.IsRedaction()) {
		return r.EventShouldLiveIn(parent, batch, roots)
	}

	// The parent is unknown but something in this batch declares it a
	// thread root, so this event belongs with it in both places.
	if parent == nil && parentID != "" {
		if _, ok := roots[parentID]; ok {
			return EventDestination{
				ShouldLiveInRoom:   true,
				ShouldLiveInThread: true,
				ThreadID:           parentID,
			}
		}
	}

	return EventDestination{ShouldLiveInRoom: true}
}
