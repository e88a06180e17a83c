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
	"context"
	"fmt"

	"github.com/matrix-org/util"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/timeline"
	"github.com/matrix-org/tapestry/types"
)

// allowedTransitions maps each pending status to the statuses it may
// move to. Sent and cancelled are terminal.
var allowedTransitions = map[types.EventStatus][]types.EventStatus{
	types.EventStatusSending: {
		types.EventStatusQueued,
		types.EventStatusNotSent,
		types.EventStatusSent,
		types.EventStatusCancelled,
	},
	types.EventStatusQueued: {
		types.EventStatusSending,
		types.EventStatusNotSent,
		types.EventStatusCancelled,
	},
	types.EventStatusNotSent: {
		types.EventStatusSending,
		types.EventStatusQueued,
		types.EventStatusCancelled,
	},
	types.EventStatusSent:      {},
	types.EventStatusCancelled: {},
}

// PendingEvents returns a copy of the detached pending event list.
func (r *Room) PendingEvents() []*types.Event {
	events := make([]*types.Event, len(r.pendingEvents))
	copy(events, r.pendingEvents)
	return events
}

// PendingEvent returns the detached pending event with the given ID.
func (r *Room) PendingEvent(eventID id.EventID) *types.Event {
	for _, ev := range r.pendingEvents {
		if ev.ID() == eventID {
			return ev
		}
	}
	return nil
}

// AddPendingEvent registers a local echo for an event being sent. With
// chronological ordering the echo goes straight onto the live timeline
// (or its thread); with detached ordering it waits in the pending list.
func (r *Room) AddPendingEvent(ctx context.Context, event *types.Event, txnID string) error {
	if event.Status() != types.EventStatusSending && event.Status() != types.EventStatusNotSent {
		return fmt.Errorf("tried to add a pending event with status %q", event.Status())
	}
	if _, ok := r.txnToEvent[txnID]; ok {
		return fmt.Errorf("a pending event with transaction ID %q already exists", txnID)
	}
	event.SetTransactionID(txnID)
	r.txnToEvent[txnID] = event

	if r.opts.PendingEventOrdering == PendingOrderingDetached {
		// Queue behind a failed send so sends stay ordered.
		for _, pending := range r.pendingEvents {
			if pending.Status() == types.EventStatusNotSent {
				util.GetLogger(ctx).WithField("event_id", event.ID()).
					Warn("Setting event as not sent due to earlier unsent messages")
				event.SetStatus(types.EventStatusNotSent)
				break
			}
		}
		r.pendingEvents = append(r.pendingEvents, event)
		r.savePendingEvents(ctx)
	} else {
		dest := r.EventShouldLiveIn(event, nil, nil)
		if dest.ShouldLiveInThread {
			r.AddThreadedEvents(ctx, dest.ThreadID, []*types.Event{event}, false)
		}
		if dest.ShouldLiveInRoom {
			err := r.timelineSet.AddEventToTimeline(event, r.LiveTimeline(), timeline.AddEventOpts{})
			if err != nil {
				return err
			}
		}
	}

	if event.IsRedaction() {
		if target := r.FindEventByID(event.Redacts()); target != nil {
			target.MarkLocallyRedacted(event)
		}
	}
	r.notifyLocalEchoUpdated(event, "", types.EventStatusNone)
	return nil
}

// UpdatePendingEvent moves a pending event through its send lifecycle.
// Marking an event as sent requires the server-assigned event ID.
func (r *Room) UpdatePendingEvent(ctx context.Context, event *types.Event, newStatus types.EventStatus, newEventID id.EventID) error {
	oldStatus := event.Status()
	oldID := event.ID()

	allowed, isPending := allowedTransitions[oldStatus]
	if !isPending {
		return fmt.Errorf("event %q is not a pending event, status %q", oldID, oldStatus)
	}
	permitted := false
	for _, status := range allowed {
		if status == newStatus {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("invalid status transition %q -> %q for event %q", oldStatus, newStatus, oldID)
	}
	if newStatus == types.EventStatusSent && newEventID == "" {
		return fmt.Errorf("an event ID is required to mark %q as sent", oldID)
	}
	event.SetStatus(newStatus)

	switch newStatus {
	case types.EventStatusSent:
		if err := event.ReplaceLocalEventID(newEventID); err != nil {
			return err
		}
		r.timelineSet.ReplaceEventID(oldID, newEventID)
		for _, th := range r.threads {
			th.set.ReplaceEventID(oldID, newEventID)
		}
		// Later pending events may relate to the old local ID; re-target
		// them at the server-assigned one.
		for _, pending := range r.pendingEvents {
			if pending.AssociatedID() != oldID {
				continue
			}
			if err := pending.UpdateAssociatedID(newEventID); err != nil {
				util.GetLogger(ctx).WithError(err).WithField("event_id", pending.ID()).
					Warn("Failed to update associated event ID on pending event")
			}
		}
	case types.EventStatusCancelled:
		if r.opts.PendingEventOrdering == PendingOrderingDetached {
			if removed := r.removePendingFromList(oldID); removed != nil && removed.IsRedaction() {
				r.revertRedactionLocalEcho(removed)
			}
		}
		r.RemoveEvent(oldID)
		delete(r.txnToEvent, event.TransactionID())
	}

	r.savePendingEvents(ctx)
	r.notifyLocalEchoUpdated(event, oldID, oldStatus)
	return nil
}

// RemoveEvent removes an event from every timeline set of the room.
// Removing an unconfirmed redaction undoes its local echo.
func (r *Room) RemoveEvent(eventID id.EventID) bool {
	removed := r.timelineSet.RemoveEvent(eventID)
	for _, th := range r.threads {
		if ev := th.set.RemoveEvent(eventID); ev != nil && removed == nil {
			removed = ev
		}
	}
	if removed == nil {
		return false
	}
	if removed.IsRedaction() {
		r.revertRedactionLocalEcho(removed)
	}
	return true
}

func (r *Room) removePendingFromList(eventID id.EventID) *types.Event {
	for i, ev := range r.pendingEvents {
		if ev.ID() == eventID {
			r.pendingEvents = append(r.pendingEvents[:i], r.pendingEvents[i+1:]...)
			return ev
		}
	}
	return nil
}

// revertRedactionLocalEcho clears the locally-redacted flag on the
// target of a redaction whose send did not complete.
func (r *Room) revertRedactionLocalEcho(redaction *types.Event) {
	target := r.FindEventByID(redaction.Redacts())
	if target == nil {
		return
	}
	if !target.UnmarkLocallyRedacted() {
		return
	}
	for _, l := range r.listeners {
		if l.OnRedactionCancelled != nil {
			l.OnRedactionCancelled(redaction, target)
		}
	}
}

// handleRemoteEcho reconciles a locally sent event with the server's
// copy of it once it arrives down sync.
func (r *Room) handleRemoteEcho(ctx context.Context, remoteEvent, localEvent *types.Event) error {
	oldStatus := localEvent.Status()
	delete(r.txnToEvent, localEvent.TransactionID())
	r.removePendingFromList(localEvent.ID())

	oldID, _, err := localEvent.HandleRemoteEcho(remoteEvent.Raw())
	if err != nil {
		return err
	}

	dest := r.EventShouldLiveIn(localEvent, nil, nil)
	if dest.ShouldLiveInThread {
		th := r.threads[dest.ThreadID]
		if th == nil {
			th = r.createThread(ctx, dest.ThreadID, nil, nil, false)
		}
		th.setEventMetadata(localEvent)
		if err := th.set.HandleRemoteEcho(localEvent, oldID, localEvent.ID()); err != nil {
			return err
		}
	}
	if dest.ShouldLiveInRoom {
		if err := r.timelineSet.HandleRemoteEcho(localEvent, oldID, localEvent.ID()); err != nil {
			return err
		}
	}

	r.savePendingEvents(ctx)
	r.notifyLocalEchoUpdated(localEvent, oldID, oldStatus)
	return nil
}

func (r *Room) savePendingEvents(ctx context.Context) {
	if r.opts.PendingStore == nil || r.opts.PendingEventOrdering != PendingOrderingDetached {
		return
	}
	if err := r.opts.PendingStore.SavePendingEvents(ctx, r.roomID, r.pendingEvents); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("room_id", r.roomID).
			Warn("Failed to persist pending events")
	}
}
