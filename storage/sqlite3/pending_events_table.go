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

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/tapestry/internal/sqlutil"
	"github.com/matrix-org/tapestry/types"
)

const pendingEventsSchema = `
-- Stores the local echoes of each room, in send order.
CREATE TABLE IF NOT EXISTS tapestry_pending_events (
	room_id TEXT NOT NULL,
	-- position within the room's pending list
	ordering INTEGER NOT NULL,
	event_json TEXT NOT NULL,
	send_status TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	CONSTRAINT tapestry_pending_events_unique UNIQUE (room_id, ordering)
);
CREATE INDEX IF NOT EXISTS tapestry_pending_events_room_id_idx ON tapestry_pending_events(room_id);
`

const insertPendingEventSQL = "" +
	"INSERT INTO tapestry_pending_events" +
	" (room_id, ordering, event_json, send_status, transaction_id)" +
	" VALUES ($1, $2, $3, $4, $5)"

const deletePendingEventsSQL = "" +
	"DELETE FROM tapestry_pending_events WHERE room_id = $1"

const selectPendingEventsSQL = "" +
	"SELECT event_json, send_status, transaction_id" +
	" FROM tapestry_pending_events WHERE room_id = $1 ORDER BY ordering ASC"

type pendingEventsStatements struct {
	db                      *sql.DB
	insertPendingEventStmt  *sql.Stmt
	deletePendingEventsStmt *sql.Stmt
	selectPendingEventsStmt *sql.Stmt
}

func preparePendingEventsTable(db *sql.DB) (*pendingEventsStatements, error) {
	s := &pendingEventsStatements{db: db}
	if _, err := db.Exec(pendingEventsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertPendingEventStmt, insertPendingEventSQL},
		{&s.deletePendingEventsStmt, deletePendingEventsSQL},
		{&s.selectPendingEventsStmt, selectPendingEventsSQL},
	}.Prepare(db)
}

func (s *pendingEventsStatements) ReplacePendingEvents(
	ctx context.Context, txn *sql.Tx, roomID string, events []*types.Event,
) error {
	deleteStmt := sqlutil.TxStmtContext(ctx, txn, s.deletePendingEventsStmt)
	if _, err := deleteStmt.ExecContext(ctx, roomID); err != nil {
		return err
	}
	insertStmt := sqlutil.TxStmtContext(ctx, txn, s.insertPendingEventStmt)
	for i, ev := range events {
		_, err := insertStmt.ExecContext(
			ctx, roomID, i, string(ev.Raw()), string(ev.Status()), ev.TransactionID(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *pendingEventsStatements) SelectPendingEvents(
	ctx context.Context, roomID string,
) ([]*types.Event, error) {
	rows, err := s.selectPendingEventsStmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var events []*types.Event
	for rows.Next() {
		var eventJSON, status, txnID string
		if err = rows.Scan(&eventJSON, &status, &txnID); err != nil {
			return nil, err
		}
		events = append(events, types.NewLocalEvent(
			json.RawMessage(eventJSON), types.EventStatus(status), txnID,
		))
	}
	return events, rows.Err()
}
