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

	"github.com/matrix-org/gomatrix"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/types"
)

// RelationsResponse is a page of a /relations request.
type RelationsResponse struct {
	Events    []json.RawMessage
	NextBatch string
}

// Fetcher makes event-level server requests on behalf of a room. It is
// implemented by the transport layer and mocked in tests.
type Fetcher interface {
	// FetchRoomEvent fetches a single event by ID.
	FetchRoomEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (json.RawMessage, error)
	// FetchRelations fetches events relating to eventID, optionally
	// filtered by rel_type and event type. limit <= 0 means the server
	// default.
	FetchRelations(ctx context.Context, roomID id.RoomID, eventID id.EventID, relType, eventType string, limit int) (*RelationsResponse, error)
	// CreateMessagesRequest performs a raw /messages call from the
	// given token. Used to translate sync tokens into timeline tokens.
	CreateMessagesRequest(ctx context.Context, roomID id.RoomID, token string, limit int, dir types.Direction) (*gomatrix.RespMessages, error)
}
