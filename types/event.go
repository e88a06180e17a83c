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
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"
)

// redactKeepKeys are the top-level event keys that survive redaction.
var redactKeepKeys = map[string]struct{}{
	"event_id": {}, "type": {}, "room_id": {}, "user_id": {},
	"sender": {}, "state_key": {}, "prev_state": {}, "content": {},
	"unsigned": {}, "origin_server_ts": {},
}

// redactKeepContentMap lists, per event type, the content keys that
// survive redaction.
var redactKeepContentMap = map[string]map[string]struct{}{
	spec.MRoomMember:    {"membership": {}},
	spec.MRoomCreate:    {"creator": {}},
	spec.MRoomJoinRules: {"join_rule": {}},
	spec.MRoomPowerLevels: {
		"ban": {}, "events": {}, "events_default": {}, "kick": {},
		"redact": {}, "state_default": {}, "users": {}, "users_default": {},
	},
}

// Event is a single room event, backed by its raw federation-format
// JSON. Fields read often are parsed lazily through gjson; local-echo
// bookkeeping (send status, transaction ID, thread membership) lives
// alongside the raw JSON and is never serialised into it.
type Event struct {
	raw json.RawMessage

	status EventStatus
	txnID  string

	// sender and target are sentinel members frozen at the point the
	// event was added to a timeline.
	sender *RoomMember
	target *RoomMember

	// forwardLooking selects whether directional content reads content
	// or prev_content. Events added to the start of a timeline describe
	// the state before themselves and so look backwards.
	forwardLooking bool

	// threadID is the root event ID of the thread this event has been
	// routed into, if any.
	threadID id.EventID

	// localRedaction is a pending redaction of this event which has not
	// yet been confirmed by the server.
	localRedaction *Event

	// replacingEvent is the most recent m.replace aggregation applied to
	// this event.
	replacingEvent *Event
}

// NewEvent wraps raw event JSON. Events are forward looking until a
// timeline tells them otherwise.
func NewEvent(raw json.RawMessage) *Event {
	return &Event{raw: raw, forwardLooking: true}
}

// NewLocalEvent wraps raw event JSON for an event created locally, with
// its initial send status and transaction ID.
func NewLocalEvent(raw json.RawMessage, status EventStatus, txnID string) *Event {
	return &Event{raw: raw, forwardLooking: true, status: status, txnID: txnID}
}

// Raw returns the underlying event JSON.
func (e *Event) Raw() json.RawMessage { return e.raw }

// SetRaw replaces the underlying event JSON. Callers own the patching.
func (e *Event) SetRaw(raw json.RawMessage) { e.raw = raw }

func (e *Event) get(path string) gjson.Result {
	return gjson.GetBytes(e.raw, path)
}

// ID returns the event ID, which for an unsent local event is still the
// temporary local ID.
func (e *Event) ID() id.EventID {
	return id.EventID(e.get("event_id").Str)
}

// Type returns the event type.
func (e *Event) Type() string { return e.get("type").Str }

// RoomID returns the room this event belongs to.
func (e *Event) RoomID() id.RoomID { return id.RoomID(e.get("room_id").Str) }

// SenderID returns the user ID of the event sender.
func (e *Event) SenderID() id.UserID { return id.UserID(e.get("sender").Str) }

// StateKey returns the state key and whether one is present. Events with
// a state key, even an empty one, are state events.
func (e *Event) StateKey() (string, bool) {
	sk := e.get("state_key")
	return sk.Str, sk.Exists()
}

// IsState reports whether this is a state event.
func (e *Event) IsState() bool {
	_, ok := e.StateKey()
	return ok
}

// OriginServerTS returns the server-asserted event timestamp.
func (e *Event) OriginServerTS() spec.Timestamp {
	return spec.Timestamp(e.get("origin_server_ts").Int())
}

// WireContent returns the content exactly as it appears on the wire,
// ignoring any replacement or local redaction.
func (e *Event) WireContent() gjson.Result {
	return e.get("content")
}

// Content returns the effective content: empty if locally redacted, the
// replacement's m.new_content if the event has been replaced, otherwise
// the wire content.
func (e *Event) Content() gjson.Result {
	if e.localRedaction != nil {
		return gjson.Result{}
	}
	if e.replacingEvent != nil {
		return e.replacingEvent.WireContent().Get(`m\.new_content`)
	}
	return e.WireContent()
}

// PrevContent returns the content of the previous state event, if the
// server included it.
func (e *Event) PrevContent() gjson.Result {
	if pc := e.get(`unsigned.prev_content`); pc.Exists() {
		return pc
	}
	return e.get("prev_content")
}

// DirectionalContent returns Content or PrevContent depending on which
// end of a timeline this event was added at.
func (e *Event) DirectionalContent() gjson.Result {
	if e.forwardLooking {
		return e.Content()
	}
	return e.PrevContent()
}

// Membership returns the directional membership value for m.room.member
// events.
func (e *Event) Membership() string {
	return e.DirectionalContent().Get("membership").Str
}

// Unsigned returns the unsigned portion of the event.
func (e *Event) Unsigned() gjson.Result { return e.get("unsigned") }

// TransactionID returns the local transaction ID, falling back to the
// server-echoed unsigned.transaction_id.
func (e *Event) TransactionID() string {
	if e.txnID != "" {
		return e.txnID
	}
	return e.get("unsigned.transaction_id").Str
}

// Redacts returns the target of an m.room.redaction event.
func (e *Event) Redacts() id.EventID {
	if r := e.get("redacts"); r.Exists() {
		return id.EventID(r.Str)
	}
	return id.EventID(e.WireContent().Get("redacts").Str)
}

// IsRedaction reports whether this event is an m.room.redaction.
func (e *Event) IsRedaction() bool { return e.Type() == spec.MRoomRedaction }

// IsRedacted reports whether this event has been redacted. A pending
// local redaction hides the content but does not count until the server
// confirms it.
func (e *Event) IsRedacted() bool {
	return e.get("unsigned.redacted_because").Exists()
}

// RedactedBecause returns the raw redaction event recorded in unsigned,
// if any.
func (e *Event) RedactedBecause() gjson.Result {
	return e.get("unsigned.redacted_because")
}

// Status returns the local send status, or EventStatusNone for events
// that came from the server.
func (e *Event) Status() EventStatus { return e.status }

// SetStatus updates the local send status.
func (e *Event) SetStatus(s EventStatus) { e.status = s }

// Sender returns the sentinel member for the event sender, if metadata
// has been attached.
func (e *Event) Sender() *RoomMember { return e.sender }

// Target returns the sentinel member for the event's target (membership
// events only), if metadata has been attached.
func (e *Event) Target() *RoomMember { return e.target }

// SetMetadata attaches sentinel sender/target members and records which
// way the event's directional content should look. toStart is true when
// the event was added at the start of a timeline.
func (e *Event) SetMetadata(sender, target *RoomMember, toStart bool) {
	e.sender = sender
	e.target = target
	e.forwardLooking = !toStart
}

// ThreadID returns the root event ID of the thread this event has been
// routed into, or empty.
func (e *Event) ThreadID() id.EventID { return e.threadID }

// SetThreadID records the thread this event lives in.
func (e *Event) SetThreadID(rootID id.EventID) { e.threadID = rootID }

// relation returns the m.relates_to block of the wire content.
func (e *Event) relation() gjson.Result {
	return e.WireContent().Get(`m\.relates_to`)
}

// RelType returns the rel_type of this event's relation, or empty.
func (e *Event) RelType() string {
	return e.relation().Get("rel_type").Str
}

// RelatesToID returns the event this event relates to via rel_type, or
// empty.
func (e *Event) RelatesToID() id.EventID {
	rel := e.relation()
	if rel.Get("rel_type").Str == "" {
		return ""
	}
	return id.EventID(rel.Get("event_id").Str)
}

// ReplyToID returns the m.in_reply_to target, or empty.
func (e *Event) ReplyToID() id.EventID {
	return id.EventID(e.relation().Get(`m\.in_reply_to.event_id`).Str)
}

// IsRelation reports whether this event relates to another with a
// rel_type, optionally restricted to the given rel_type. State events
// can never be m.replace relations.
func (e *Event) IsRelation(relType ...string) bool {
	rel := e.relation()
	rt := rel.Get("rel_type").Str
	if rt == "" || rel.Get("event_id").Str == "" {
		return false
	}
	if e.IsState() && rt == RelReplace {
		return false
	}
	if len(relType) > 0 {
		return rt == relType[0]
	}
	return true
}

// ThreadRootID returns the root of the thread this event belongs to:
// the wire m.thread relation target, the routed thread ID, or the
// event's own ID when the server aggregated a thread onto it.
func (e *Event) ThreadRootID() id.EventID {
	rel := e.relation()
	if rel.Get("rel_type").Str == RelThread {
		return id.EventID(rel.Get("event_id").Str)
	}
	if e.threadID != "" {
		return e.threadID
	}
	if e.BundledThreadRelation().Exists() {
		return e.ID()
	}
	return ""
}

// IsThreadRoot reports whether this event is the root of a thread.
func (e *Event) IsThreadRoot() bool {
	if e.BundledThreadRelation().Exists() {
		return true
	}
	return e.ID() != "" && e.ThreadRootID() == e.ID()
}

// BundledThreadRelation returns the server-aggregated m.thread bundle
// from unsigned.m.relations, if present.
func (e *Event) BundledThreadRelation() gjson.Result {
	return e.get(`unsigned.m\.relations.m\.thread`)
}

// AssociatedID returns the event this event depends on: the reply
// target, the relation target or the redaction target.
func (e *Event) AssociatedID() id.EventID {
	if replyTo := e.ReplyToID(); replyTo != "" {
		return replyTo
	}
	if relID := e.RelatesToID(); relID != "" {
		return relID
	}
	return e.Redacts()
}

// UpdateAssociatedID rewrites the association to point at newID. Used
// when a local target event is assigned its server event ID.
func (e *Event) UpdateAssociatedID(newID id.EventID) error {
	var path string
	switch {
	case e.ReplyToID() != "":
		path = `content.m\.relates_to.m\.in_reply_to.event_id`
	case e.RelatesToID() != "":
		path = `content.m\.relates_to.event_id`
	case e.get("redacts").Exists():
		path = "redacts"
	default:
		return nil
	}
	raw, err := sjson.SetBytes(e.raw, path, string(newID))
	if err != nil {
		return fmt.Errorf("failed to update associated event ID: %w", err)
	}
	e.raw = raw
	return nil
}

// ReplacingEvent returns the replacement applied to this event, if any.
func (e *Event) ReplacingEvent() *Event { return e.replacingEvent }

// ReplacingEventID returns the ID of the replacement event, or empty.
func (e *Event) ReplacingEventID() id.EventID {
	if e.replacingEvent == nil {
		return ""
	}
	return e.replacingEvent.ID()
}

// MakeReplaced applies (or, with nil, clears) an m.replace aggregation.
// Redacted events refuse new replacements and state events cannot be
// replaced at all. Returns whether anything changed.
func (e *Event) MakeReplaced(replacement *Event) bool {
	if e.IsRedacted() && replacement != nil {
		return false
	}
	if e.IsState() {
		return false
	}
	if e.replacingEvent == replacement {
		return false
	}
	e.replacingEvent = replacement
	return true
}

// MarkLocallyRedacted records a pending local redaction of this event.
func (e *Event) MarkLocallyRedacted(redaction *Event) {
	e.localRedaction = redaction
}

// LocalRedaction returns the pending local redaction, if any.
func (e *Event) LocalRedaction() *Event { return e.localRedaction }

// UnmarkLocallyRedacted reverts a cancelled local redaction. Returns
// whether a redaction was pending.
func (e *Event) UnmarkLocallyRedacted() bool {
	if e.localRedaction == nil {
		return false
	}
	e.localRedaction = nil
	return true
}

// MakeRedacted prunes this event in place per the redaction rules for
// its type and records the redaction in unsigned.redacted_because.
func (e *Event) MakeRedacted(redaction *Event) error {
	if redaction == nil || len(redaction.raw) == 0 {
		return fmt.Errorf("valid redaction event required")
	}
	e.localRedaction = nil
	e.replacingEvent = nil

	pruned := []byte(`{}`)
	var err error
	gjson.ParseBytes(e.raw).ForEach(func(key, value gjson.Result) bool {
		if _, keep := redactKeepKeys[key.Str]; keep {
			pruned, err = sjson.SetRawBytes(pruned, escapeKey(key.Str), []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to prune redacted event: %w", err)
	}

	keepContent := redactKeepContentMap[e.Type()]
	prunedContent := []byte(`{}`)
	e.WireContent().ForEach(func(key, value gjson.Result) bool {
		if _, keep := keepContent[key.Str]; keep {
			prunedContent, err = sjson.SetRawBytes(prunedContent, escapeKey(key.Str), []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to prune redacted content: %w", err)
	}
	if pruned, err = sjson.SetRawBytes(pruned, "content", prunedContent); err != nil {
		return err
	}
	if pruned, err = sjson.SetRawBytes(pruned, "unsigned.redacted_because", redaction.raw); err != nil {
		return err
	}
	e.raw = pruned
	return nil
}

// HandleRemoteEcho adopts the server's copy of a locally sent event. A
// local redaction applied before the echo arrived is preserved. Returns
// the old (local) event ID and whether the ID changed.
func (e *Event) HandleRemoteEcho(remote json.RawMessage) (id.EventID, bool, error) {
	oldID := e.ID()
	oldRedactedBecause := e.RedactedBecause()
	e.raw = remote
	if oldRedactedBecause.Exists() && !e.get("unsigned.redacted_because").Exists() {
		raw, err := sjson.SetRawBytes(e.raw, "unsigned.redacted_because", []byte(oldRedactedBecause.Raw))
		if err != nil {
			return oldID, false, fmt.Errorf("failed to carry redaction over remote echo: %w", err)
		}
		e.raw = raw
	}
	e.status = EventStatusNone
	e.txnID = ""
	return oldID, e.ID() != oldID, nil
}

// SetTransactionID records the transaction ID this event was sent with.
func (e *Event) SetTransactionID(txnID string) { e.txnID = txnID }

// ReplaceLocalEventID assigns the server event ID to a local event after
// a successful send.
func (e *Event) ReplaceLocalEventID(newID id.EventID) error {
	raw, err := sjson.SetBytes(e.raw, "event_id", string(newID))
	if err != nil {
		return fmt.Errorf("failed to replace local event ID: %w", err)
	}
	e.raw = raw
	return nil
}

// ClearBundledThreadRelation removes the server-aggregated m.thread
// bundle, used when a thread loses its last reply.
func (e *Event) ClearBundledThreadRelation() {
	raw, err := sjson.DeleteBytes(e.raw, `unsigned.m\.relations.m\.thread`)
	if err != nil {
		logrus.WithError(err).WithField("event_id", e.ID()).
			Warn("Failed to clear bundled thread relation")
		return
	}
	e.raw = raw
}

// escapeKey escapes a JSON object key for use as an sjson path segment.
func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
