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

package sqlutil

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

// Open opens a SQLite database at the given DSN. SQLite only allows
// one writer at a time, so writes should be serialised through a
// Writer on top of the returned handle.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, sqliteDSNExtension(dsn))
	if err != nil {
		return nil, err
	}
	// Prepared statements run on any free connection, but SQLite locks
	// the whole file for writing anyway.
	db.SetMaxOpenConns(10)
	return db, nil
}

func sqliteDSNExtension(dsn string) string {
	// add query parameters to the dsn
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}

	// wait some time before erroring if the db is locked
	dsn += "_pragma=busy_timeout%3d10000"
	return dsn
}
