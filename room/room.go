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

// Package room ties the event model, room state and timelines together
// into a client-side view of a single room: live event ingestion,
// local echoes, redactions and threads.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/internal/caching"
	"github.com/matrix-org/tapestry/state"
	"github.com/matrix-org/tapestry/storage"
	"github.com/matrix-org/tapestry/timeline"
	"github.com/matrix-org/tapestry/types"
)

// PendingEventOrdering says where local echoes live until the server
// confirms them.
type PendingEventOrdering string

const (
	// PendingOrderingChronological places local echoes directly on the
	// live timeline.
	PendingOrderingChronological PendingEventOrdering = "chronological"
	// PendingOrderingDetached keeps local echoes in a separate list
	// until they are confirmed or cancelled.
	PendingOrderingDetached PendingEventOrdering = "detached"
)

// Listener receives room-level notifications. Any field may be nil.
type Listener struct {
	// OnLocalEchoUpdated fires when a pending event changes status or
	// identity. oldEventID is the event's ID before the update.
	OnLocalEchoUpdated func(event *types.Event, oldEventID id.EventID, oldStatus types.EventStatus)
	// OnRedaction fires once a redaction has been applied to its target.
	OnRedaction func(redaction, target *types.Event)
	// OnRedactionCancelled fires when a local redaction echo is undone.
	OnRedactionCancelled func(redaction, target *types.Event)
	OnThreadNew          func(thread *Thread)
	OnThreadUpdate       func(thread *Thread)
	OnThreadDelete       func(thread *Thread)
}

// Opts configures a room.
type Opts struct {
	MyUserID             id.UserID
	PendingEventOrdering PendingEventOrdering
	// TimelineSupport keeps old timelines around across live timeline
	// resets, enabling permalink navigation.
	TimelineSupport bool
	// ThreadSupport routes m.thread relations into per-thread
	// timeline sets.
	ThreadSupport bool
	// ServerSideThreadSupport means the server aggregates threads and
	// can filter /messages by them. Without it, reply counts are
	// accumulated locally.
	ServerSideThreadSupport bool

	Fetcher Fetcher
	// Pager backfills thread timelines when a thread is first seen.
	Pager timeline.Pager
	// PendingStore persists detached local echoes. May be nil.
	PendingStore storage.PendingStore
	// Caches holds fetched remote events. May be nil.
	Caches *caching.Caches
}

type receiptEntry struct {
	eventID id.EventID
	ts      spec.Timestamp
}

// Room is the client-side model of a single room.
type Room struct {
	roomID id.RoomID
	opts   Opts

	timelineSet *timeline.TimelineSet
	threads     map[id.EventID]*Thread

	pendingEvents []*types.Event
	txnToEvent    map[string]*types.Event

	// recent fetch failures, so a batch full of replies to the same
	// missing root does not hammer the server
	fetchFailures *gocache.Cache

	threadedReceipts   map[id.UserID]map[id.EventID]receiptEntry
	unthreadedReceipts map[id.UserID]receiptEntry

	listeners []Listener
}

// NewRoom creates a room model. Detached pending events are reloaded
// from the pending store if one is configured.
func NewRoom(ctx context.Context, roomID id.RoomID, opts Opts) (*Room, error) {
	if opts.PendingEventOrdering == "" {
		opts.PendingEventOrdering = PendingOrderingChronological
	}
	r := &Room{
		roomID:             roomID,
		opts:               opts,
		threads:            make(map[id.EventID]*Thread),
		txnToEvent:         make(map[string]*types.Event),
		fetchFailures:      gocache.New(30*time.Second, time.Minute),
		threadedReceipts:   make(map[id.UserID]map[id.EventID]receiptEntry),
		unthreadedReceipts: make(map[id.UserID]receiptEntry),
	}
	r.timelineSet = timeline.NewTimelineSet(roomID, timeline.TimelineSetOpts{
		TimelineSupport: opts.TimelineSupport,
		ManageState:     true,
		Router:          mainRouter{r},
		Aggregator:      r,
	})
	if opts.PendingEventOrdering == PendingOrderingDetached && opts.PendingStore != nil {
		pending, err := opts.PendingStore.PendingEvents(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pending events: %w", err)
		}
		for _, ev := range pending {
			r.pendingEvents = append(r.pendingEvents, ev)
			if txnID := ev.TransactionID(); txnID != "" {
				r.txnToEvent[txnID] = ev
			}
		}
	}
	return r, nil
}

// ID returns the room ID.
func (r *Room) ID() id.RoomID { return r.roomID }

// TimelineSet returns the room's main timeline set.
func (r *Room) TimelineSet() *timeline.TimelineSet { return r.timelineSet }

// LiveTimeline returns the live timeline of the main set.
func (r *Room) LiveTimeline() *timeline.Timeline { return r.timelineSet.LiveTimeline() }

// CurrentState returns the state at the live end of the room.
func (r *Room) CurrentState() *state.RoomState {
	return r.LiveTimeline().State(types.DirectionForwards)
}

// AddListener registers a room listener.
func (r *Room) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Thread returns the thread rooted at the given event, if known.
func (r *Room) Thread(rootID id.EventID) *Thread { return r.threads[rootID] }

// Threads returns all known threads.
func (r *Room) Threads() []*Thread {
	threads := make([]*Thread, 0, len(r.threads))
	for _, th := range r.threads {
		threads = append(threads, th)
	}
	return threads
}

// FindEventByID looks an event up in the main timeline set, then in
// every thread, then among pending events.
func (r *Room) FindEventByID(eventID id.EventID) *types.Event {
	if ev := r.timelineSet.FindEventByID(eventID); ev != nil {
		return ev
	}
	for _, th := range r.threads {
		if ev := th.FindEventByID(eventID); ev != nil {
			return ev
		}
	}
	return r.PendingEvent(eventID)
}

// MakeTransactionID returns a fresh transaction ID for sending events.
func (r *Room) MakeTransactionID() string {
	return "tap" + uuid.NewString()
}

// mainRouter keeps events that belong in a thread only out of the
// room's main timeline set.
type mainRouter struct{ room *Room }

func (m mainRouter) CanContain(set *timeline.TimelineSet, event *types.Event) bool {
	if !m.room.opts.ThreadSupport {
		return true
	}
	return m.room.EventShouldLiveIn(event, nil, nil).ShouldLiveInRoom
}

// AggregateEvent folds replacement relations onto their targets as
// events enter any of the room's timeline sets.
func (r *Room) AggregateEvent(event *types.Event) {
	if !event.IsRelation(types.RelReplace) {
		return
	}
	if target := r.FindEventByID(event.RelatesToID()); target != nil {
		target.MakeReplaced(event)
	}
}

// AddLiveEvents ingests a batch of events from sync: redactions are
// applied, remote echoes reconciled, and each event routed to the main
// timeline, a thread, or both.
func (r *Room) AddLiveEvents(ctx context.Context, events []*types.Event, strategy timeline.DuplicateStrategy, fromCache bool) error {
	threadRoots := FindThreadRoots(events)
	eventsByThread := make(map[id.EventID][]*types.Event)
	var threadOrder []id.EventID

	for _, event := range events {
		r.applyRedaction(ctx, event)

		if txnID := event.TransactionID(); txnID != "" {
			if local := r.txnToEvent[txnID]; local != nil && local.Status() != types.EventStatusNone {
				if err := r.handleRemoteEcho(ctx, event, local); err != nil {
					return err
				}
				continue
			}
		}

		dest := r.EventShouldLiveIn(event, events, threadRoots)
		if dest.ShouldLiveInThread {
			if _, ok := eventsByThread[dest.ThreadID]; !ok {
				threadOrder = append(threadOrder, dest.ThreadID)
			}
			eventsByThread[dest.ThreadID] = append(eventsByThread[dest.ThreadID], event)
		}
		if dest.ShouldLiveInRoom {
			if err := r.timelineSet.AddLiveEvent(event, strategy, fromCache, nil); err != nil {
				return err
			}
		}
	}

	for _, threadID := range threadOrder {
		r.AddThreadedEvents(ctx, threadID, eventsByThread[threadID], false)
	}
	return nil
}

// deleteThread drops a dissolved thread. The thread has already cleared
// its events' back-references, so later events route to the main
// timeline instead of resurrecting it.
func (r *Room) deleteThread(th *Thread) {
	delete(r.threads, th.id)
	for _, l := range r.listeners {
		if l.OnThreadDelete != nil {
			l.OnThreadDelete(th)
		}
	}
}

// AddThreadedEvents adds a batch of events to the thread rooted at
// threadID, creating the thread if this is the first sight of it.
func (r *Room) AddThreadedEvents(ctx context.Context, threadID id.EventID, events []*types.Event, toStart bool) {
	if th := r.threads[threadID]; th != nil {
		th.AddEvents(ctx, events, toStart)
		return
	}
	rootEvent := r.FindEventByID(threadID)
	if rootEvent == nil {
		for _, ev := range events {
			if ev.ID() == threadID {
				rootEvent = ev
				break
			}
		}
	}
	r.createThread(ctx, threadID, rootEvent, events, toStart)
}

func (r *Room) createThread(ctx context.Context, threadID id.EventID, rootEvent *types.Event, events []*types.Event, toStart bool) *Thread {
	th := newThread(ctx, r, threadID, rootEvent)
	r.threads[threadID] = th
	if rootEvent == nil {
		if fetched, err := r.fetchEvent(ctx, threadID); err != nil {
			util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
				"room_id":  r.roomID,
				"event_id": threadID,
			}).Warn("Failed to fetch thread root")
		} else {
			th.setRootEvent(fetched)
		}
	}
	if len(events) > 0 {
		th.AddEvents(ctx, events, toStart)
	}
	for _, l := range r.listeners {
		if l.OnThreadNew != nil {
			l.OnThreadNew(th)
		}
	}
	return th
}

// applyRedaction prunes the target of a redaction event if we know it.
// The redaction itself still flows into a timeline afterwards.
func (r *Room) applyRedaction(ctx context.Context, event *types.Event) {
	if !event.IsRedaction() {
		return
	}
	target := r.FindEventByID(event.Redacts())
	if target == nil {
		return
	}

	// The thread must see the event before pruning strips the relation
	// it accounts replies by.
	var th *Thread
	if rootID := target.ThreadRootID(); rootID != "" {
		th = r.threads[rootID]
	}
	if th != nil {
		th.onBeforeRedaction(target, event)
	}

	if err := target.MakeRedacted(event); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("event_id", target.ID()).
			Warn("Failed to apply redaction")
		return
	}

	if target.IsState() {
		stateKey, _ := target.StateKey()
		current := r.CurrentState().StateEvent(target.Type(), stateKey)
		if current != nil && current.ID() == target.ID() {
			r.CurrentState().SetStateEvents([]*types.Event{target})
		}
	}

	for _, l := range r.listeners {
		if l.OnRedaction != nil {
			l.OnRedaction(event, target)
		}
	}
	if th != nil {
		th.onRedaction(target)
	}
}

// ResetLiveTimeline replaces the live timeline of the main set and of
// every thread, as after a limited sync. Thread tokens are translated
// through the server since sync tokens are not valid /messages tokens
// inside a thread.
func (r *Room) ResetLiveTimeline(ctx context.Context, backToken, forwardToken string) {
	r.timelineSet.ResetLiveTimeline(backToken, forwardToken)
	for _, th := range r.threads {
		if err := th.resetLiveTimeline(ctx, backToken, forwardToken); err != nil {
			util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
				"room_id":   r.roomID,
				"thread_id": th.ID(),
			}).Warn("Failed to reset thread live timeline")
		}
	}
}

// fetchEvent fetches a single event, consulting the event cache first
// and remembering recent failures briefly.
func (r *Room) fetchEvent(ctx context.Context, eventID id.EventID) (*types.Event, error) {
	if r.opts.Caches != nil {
		if raw, ok := r.opts.Caches.RoomEvents.Get(string(eventID)); ok {
			return types.NewEvent(raw), nil
		}
	}
	if _, failed := r.fetchFailures.Get(string(eventID)); failed {
		return nil, fmt.Errorf("event %q failed to fetch recently", eventID)
	}
	if r.opts.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}
	raw, err := r.opts.Fetcher.FetchRoomEvent(ctx, r.roomID, eventID)
	if err != nil {
		r.fetchFailures.SetDefault(string(eventID), struct{}{})
		return nil, err
	}
	if r.opts.Caches != nil {
		r.opts.Caches.RoomEvents.Set(string(eventID), raw)
	}
	return types.NewEvent(raw), nil
}

// AddThreadedReceipt records a read receipt scoped to a thread.
func (r *Room) AddThreadedReceipt(userID id.UserID, threadRootID, eventID id.EventID, ts spec.Timestamp) {
	byThread := r.threadedReceipts[userID]
	if byThread == nil {
		byThread = make(map[id.EventID]receiptEntry)
		r.threadedReceipts[userID] = byThread
	}
	byThread[threadRootID] = receiptEntry{eventID: eventID, ts: ts}
}

// AddUnthreadedReceipt records a read receipt that covers every
// timeline of the room up to its timestamp.
func (r *Room) AddUnthreadedReceipt(userID id.UserID, eventID id.EventID, ts spec.Timestamp) {
	if existing, ok := r.unthreadedReceipts[userID]; ok && existing.ts > ts {
		return
	}
	r.unthreadedReceipts[userID] = receiptEntry{eventID: eventID, ts: ts}
}

func (r *Room) threadReceipt(userID id.UserID, threadRootID id.EventID) (receiptEntry, bool) {
	entry, ok := r.threadedReceipts[userID][threadRootID]
	return entry, ok
}

// oldestThreadedReceiptTS returns the timestamp of the user's oldest
// threaded receipt. Events older than every threaded receipt are
// considered read.
func (r *Room) oldestThreadedReceiptTS(userID id.UserID) (spec.Timestamp, bool) {
	var oldest spec.Timestamp
	found := false
	for _, entry := range r.threadedReceipts[userID] {
		if !found || entry.ts < oldest {
			oldest = entry.ts
			found = true
		}
	}
	return oldest, found
}

func (r *Room) lastUnthreadedReceiptTS(userID id.UserID) (spec.Timestamp, bool) {
	entry, ok := r.unthreadedReceipts[userID]
	return entry.ts, ok
}

func (r *Room) notifyThreadUpdate(th *Thread) {
	for _, l := range r.listeners {
		if l.OnThreadUpdate != nil {
			l.OnThreadUpdate(th)
		}
	}
}

func (r *Room) notifyLocalEchoUpdated(event *types.Event, oldEventID id.EventID, oldStatus types.EventStatus) {
	for _, l := range r.listeners {
		if l.OnLocalEchoUpdated != nil {
			l.OnLocalEchoUpdated(event, oldEventID, oldStatus)
		}
	}
}
