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
	"encoding/json"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/timeline"
	"github.com/matrix-org/tapestry/types"
)

// Thread models a conversation rooted at a single event. It owns its
// own timeline set, separate from the room's main set.
type Thread struct {
	id   id.EventID
	room *Room
	set  *timeline.TimelineSet

	rootEvent *types.Event
	// lastEvent is the newest reply we know about, which may come from
	// the server's bundled aggregation rather than our own timeline.
	lastEvent  *types.Event
	replyCount int

	currentUserParticipated bool

	// Events seen before the initial backfill completes are buffered
	// here and replayed afterwards so ordering holds.
	replayEvents []*types.Event

	initialEventsFetched atomic.Bool
}

func newThread(ctx context.Context, r *Room, threadID id.EventID, rootEvent *types.Event) *Thread {
	t := &Thread{
		id:           threadID,
		room:         r,
		rootEvent:    rootEvent,
		replayEvents: []*types.Event{},
	}
	t.set = timeline.NewTimelineSet(r.roomID, timeline.TimelineSetOpts{
		TimelineSupport: true,
		Aggregator:      r,
	})
	// Without server-side aggregation there is nothing to backfill.
	t.initialEventsFetched.Store(!t.hasServerSideSupport())
	t.updateThreadMetadata(ctx)
	return t
}

func (t *Thread) hasServerSideSupport() bool {
	return t.room.opts.ServerSideThreadSupport
}

// ID returns the event ID of the thread root.
func (t *Thread) ID() id.EventID { return t.id }

// RootEvent returns the thread root event, if known.
func (t *Thread) RootEvent() *types.Event { return t.rootEvent }

// TimelineSet returns the thread's timeline set.
func (t *Thread) TimelineSet() *timeline.TimelineSet { return t.set }

// LiveTimeline returns the thread's live timeline.
func (t *Thread) LiveTimeline() *timeline.Timeline { return t.set.LiveTimeline() }

// Events returns the events of the thread's live timeline.
func (t *Thread) Events() []*types.Event { return t.set.LiveTimeline().Events() }

// Length is the number of replies, both confirmed and pending. The
// root does not count.
func (t *Thread) Length() int { return t.replyCount + t.pendingReplyCount() }

// CurrentUserParticipated says whether our own user has replied.
func (t *Thread) CurrentUserParticipated() bool { return t.currentUserParticipated }

// FindEventByID looks the event up in the thread, including its root.
func (t *Thread) FindEventByID(eventID id.EventID) *types.Event {
	if t.rootEvent != nil && t.rootEvent.ID() == eventID {
		return t.rootEvent
	}
	return t.set.FindEventByID(eventID)
}

// LastReply returns the newest timeline event that is not the root.
func (t *Thread) LastReply() *types.Event {
	events := t.set.LiveTimeline().Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ID() != t.id {
			return events[i]
		}
	}
	return nil
}

// ReplyToEvent returns the event a new reply should relate to: the
// newest pending reply if any, otherwise the newest known reply.
func (t *Thread) ReplyToEvent() *types.Event {
	if pending := t.lastPendingEvent(); pending != nil {
		return pending
	}
	if t.lastEvent != nil {
		return t.lastEvent
	}
	return t.LastReply()
}

func (t *Thread) lastPendingEvent() *types.Event {
	for i := len(t.room.pendingEvents) - 1; i >= 0; i-- {
		if t.room.pendingEvents[i].ThreadRootID() == t.id {
			return t.room.pendingEvents[i]
		}
	}
	return nil
}

func (t *Thread) pendingReplyCount() int {
	count := 0
	for _, ev := range t.room.pendingEvents {
		if ev.ThreadRootID() == t.id && ev.ID() != t.id {
			count++
		}
	}
	return count
}

func (t *Thread) setRootEvent(event *types.Event) {
	t.rootEvent = event
	t.processRootEvent(context.Background())
}

func (t *Thread) setEventMetadata(event *types.Event) {
	event.SetThreadID(t.id)
}

// AddEvents adds a batch of routed events to the thread and refreshes
// its metadata once at the end.
func (t *Thread) AddEvents(ctx context.Context, events []*types.Event, toStart bool) {
	for _, event := range events {
		t.addEvent(ctx, event, toStart, false)
	}
	t.updateThreadMetadata(ctx)
	t.room.notifyThreadUpdate(t)
}

// AddEvent adds a single routed event.
func (t *Thread) AddEvent(ctx context.Context, event *types.Event, toStart bool) {
	t.addEvent(ctx, event, toStart, true)
}

func (t *Thread) addEvent(ctx context.Context, event *types.Event, toStart, emit bool) {
	t.setEventMetadata(event)

	lastReply := t.LastReply()
	isNewestReply := lastReply == nil || event.OriginServerTS() >= lastReply.OriginServerTS()

	switch {
	case !t.hasServerSideSupport():
		t.addEventToTimeline(event, toStart)
	case !toStart && t.initialEventsFetched.Load() && isNewestReply:
		t.addEventToTimeline(event, false)
		t.fetchEditsWhereNeeded(ctx, event)
	case event.IsRelation(types.RelAnnotation, types.RelReplace):
		// Annotations and edits seen before the initial backfill would
		// be lost to it; keep them aside and replay them afterwards.
		if !t.initialEventsFetched.Load() {
			t.replayEvents = append(t.replayEvents, event)
			t.room.AggregateEvent(event)
		} else {
			t.insertEventIntoTimeline(event)
		}
		// These fold onto their targets; they are not replies.
		return
	default:
		// Dropped: the initial backfill supplies it again.
	}

	// Without server aggregation (or a root to read it off) replies
	// are counted by hand. Pending replies are counted separately.
	if (!t.hasServerSideSupport() || t.rootEvent == nil) &&
		event.IsRelation(types.RelThread) &&
		event.Status() == types.EventStatusNone {
		t.replyCount++
	}
	if event.IsRelation(types.RelThread) && event.SenderID() == t.room.opts.MyUserID {
		t.currentUserParticipated = true
	}

	if emit {
		t.updateThreadMetadata(ctx)
		t.room.notifyThreadUpdate(t)
	}
}

func (t *Thread) addEventToTimeline(event *types.Event, toStart bool) {
	if t.set.FindEventByID(event.ID()) != nil {
		return
	}
	err := t.set.AddEventToTimeline(event, t.set.LiveTimeline(), timeline.AddEventOpts{
		ToStart: toStart,
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"thread_id": t.id,
			"event_id":  event.ID(),
		}).Warn("Failed to add event to thread timeline")
	}
}

// insertEventIntoTimeline places a late-arriving event at its best
// guess position by timestamp rather than appending it.
func (t *Thread) insertEventIntoTimeline(event *types.Event) {
	if t.set.FindEventByID(event.ID()) != nil {
		return
	}
	err := t.set.InsertEventIntoTimeline(event, t.set.LiveTimeline(), nil)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"thread_id": t.id,
			"event_id":  event.ID(),
		}).Warn("Failed to insert event into thread timeline")
	}
}

// processRootEvent reads the server's bundled m.thread aggregation off
// the root event.
func (t *Thread) processRootEvent(ctx context.Context) {
	if t.rootEvent == nil || !t.hasServerSideSupport() {
		return
	}
	bundled := t.rootEvent.BundledThreadRelation()
	if !bundled.Exists() {
		return
	}
	t.replyCount = int(bundled.Get("count").Int())
	t.currentUserParticipated = t.currentUserParticipated ||
		bundled.Get("current_user_participated").Bool()
	if latest := bundled.Get("latest_event"); latest.IsObject() {
		event := types.NewEvent(json.RawMessage(latest.Raw))
		t.setEventMetadata(event)
		t.lastEvent = event
		t.fetchEditsWhereNeeded(ctx, event)
	}
}

// updateThreadMetadata refreshes counts from the root's bundled
// aggregation and performs the one-off initial backfill, replaying any
// buffered events afterwards.
func (t *Thread) updateThreadMetadata(ctx context.Context) {
	t.processRootEvent(ctx)

	if !t.initialEventsFetched.CompareAndSwap(false, true) {
		return
	}
	if err := t.fetchInitialEvents(ctx); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("thread_id", t.id).
			Warn("Failed to load start of thread")
		t.initialEventsFetched.Store(false)
		return
	}
	replay := t.replayEvents
	t.replayEvents = nil
	for _, event := range replay {
		t.addEvent(ctx, event, false, false)
	}
	t.room.notifyThreadUpdate(t)
}

func (t *Thread) fetchInitialEvents(ctx context.Context) error {
	live := t.set.LiveTimeline()
	// A brand new thread has no history to fetch; seed the timeline
	// with the root so pagination has an anchor.
	if t.replyCount == 0 && t.rootEvent != nil {
		err := t.set.AddEventsToTimeline([]*types.Event{t.rootEvent}, true, live, timeline.TokenUnknown)
		if err != nil {
			return err
		}
		live.SetToken(timeline.EndOfHistory, types.DirectionBackwards)
		return nil
	}
	if t.room.opts.Pager == nil {
		return nil
	}
	_, err := t.room.opts.Pager.PaginateEventTimeline(ctx, live, timeline.PaginateOpts{
		Backwards: true,
		Limit:     max(1, t.Length()),
	})
	return err
}

// fetchEditsWhereNeeded resolves the latest edit of encrypted events,
// whose replacements are not included in bundled aggregations.
func (t *Thread) fetchEditsWhereNeeded(ctx context.Context, events ...*types.Event) {
	if t.room.opts.Fetcher == nil {
		return
	}
	for _, event := range events {
		if event.Type() != "m.room.encrypted" || event.IsRedacted() {
			continue
		}
		res, err := t.room.opts.Fetcher.FetchRelations(
			ctx, t.room.roomID, event.ID(), types.RelReplace, "", 1,
		)
		if err != nil {
			util.GetLogger(ctx).WithError(err).WithField("event_id", event.ID()).
				Warn("Failed to load edits for encrypted thread event")
			continue
		}
		if len(res.Events) > 0 {
			event.MakeReplaced(types.NewEvent(res.Events[0]))
		}
	}
}

// onBeforeRedaction runs before the target is pruned, while the
// relation that made it count as a reply is still readable.
func (t *Thread) onBeforeRedaction(target, redaction *types.Event) {
	if target.IsRelation(types.RelThread) && redaction.Status() == types.EventStatusNone {
		t.replyCount--
		if t.rootEvent != nil && t.replyCount <= 0 {
			t.rootEvent.ClearBundledThreadRelation()
		}
	}
}

// onRedaction runs after a redaction in this thread has been applied.
// With no replies left the thread dissolves: every event's thread
// back-reference is cleared and the room drops it. Otherwise the newest
// visible reply is recomputed.
func (t *Thread) onRedaction(target *types.Event) {
	if t.replyCount <= 0 {
		for _, ev := range t.set.LiveTimeline().Events() {
			ev.SetThreadID("")
		}
		t.lastEvent = t.rootEvent
		t.currentUserParticipated = false
		t.room.deleteThread(t)
		return
	}
	t.lastEvent = nil
	events := t.set.LiveTimeline().Events()
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].IsRedacted() && events[i].IsRelation(types.RelThread) {
			t.lastEvent = events[i]
			break
		}
	}
	t.room.notifyThreadUpdate(t)
}

// resetLiveTimeline resets the thread's live timeline after a gappy
// sync. Sync tokens are not valid /messages tokens within a thread, so
// both are translated through a single-event /messages call, and only
// applied if nothing replaced them in the meantime.
func (t *Thread) resetLiveTimeline(ctx context.Context, backToken, forwardToken string) error {
	oldLive := t.set.LiveTimeline()
	t.set.ResetLiveTimeline(backToken, forwardToken)
	newLive := t.set.LiveTimeline()

	if t.room.opts.Fetcher == nil {
		return nil
	}
	translations := []struct {
		tl    *timeline.Timeline
		dir   types.Direction
		token string
	}{
		{oldLive, types.DirectionForwards, forwardToken},
		{newLive, types.DirectionBackwards, backToken},
	}
	for _, tr := range translations {
		if tr.token == "" {
			continue
		}
		res, err := t.room.opts.Fetcher.CreateMessagesRequest(ctx, t.room.roomID, tr.token, 1, tr.dir)
		if err != nil {
			return err
		}
		// Only swap the token in if it is still the one we translated.
		if tr.tl.Token(tr.dir) == timeline.BatchToken(tr.token) {
			tr.tl.SetToken(timeline.BatchToken(res.End), tr.dir)
		}
	}
	return nil
}

// HasUserReadEvent says whether the user has read the given event of
// this thread, taking both threaded and unthreaded receipts into
// account.
func (t *Thread) HasUserReadEvent(userID id.UserID, eventID id.EventID) bool {
	if userID == t.room.opts.MyUserID {
		// Our own sent events are implicitly read.
		if ev := t.FindEventByID(eventID); ev != nil && ev.SenderID() == userID {
			return true
		}
	}

	if receipt, ok := t.room.threadReceipt(userID, t.id); ok {
		if receipt.eventID == eventID {
			return true
		}
		if cmp, ok := t.set.CompareEventOrdering(eventID, receipt.eventID); ok && cmp <= 0 {
			return true
		}
		// Not covered by the threaded receipt; an unthreaded receipt
		// may still cover it below.
	}

	ev := t.FindEventByID(eventID)
	if ev == nil {
		return false
	}
	ts := ev.OriginServerTS()
	// Events predating all of the user's threaded receipts were sent
	// before they used threads; treat them as read.
	if oldest, ok := t.room.oldestThreadedReceiptTS(userID); ok && ts < oldest {
		return true
	}
	if last, ok := t.room.lastUnthreadedReceiptTS(userID); ok && ts <= last {
		return true
	}
	return false
}
