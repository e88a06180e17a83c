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

// Package sqlite3 is the SQLite implementation of the pending event
// store, suitable for embedded clients.
package sqlite3

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/tapestry/internal/sqlutil"
	"github.com/matrix-org/tapestry/storage"
	"github.com/matrix-org/tapestry/types"
)

// Database stores pending events in SQLite. Writes are serialised
// through an exclusive writer since SQLite locks the whole file.
type Database struct {
	db      *sql.DB
	writer  sqlutil.Writer
	pending *pendingEventsStatements
}

func NewDatabase(dsn string) (storage.PendingStore, error) {
	db, err := sqlutil.Open(dsn)
	if err != nil {
		return nil, err
	}
	pending, err := preparePendingEventsTable(db)
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, err
	}
	return &Database{
		db:      db,
		writer:  sqlutil.NewExclusiveWriter(),
		pending: pending,
	}, nil
}

func (d *Database) SavePendingEvents(ctx context.Context, roomID id.RoomID, events []*types.Event) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.pending.ReplacePendingEvents(ctx, txn, string(roomID), events)
	})
}

func (d *Database) PendingEvents(ctx context.Context, roomID id.RoomID) ([]*types.Event, error) {
	return d.pending.SelectPendingEvents(ctx, string(roomID))
}

func (d *Database) Close() error {
	return d.db.Close()
}
