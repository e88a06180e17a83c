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

package timeline

// Token is a pagination token for one end of a timeline. It is a
// tri-state: unknown (never told), end of history (the server said there
// is nothing further) or a batch token to paginate from.
type Token struct {
	known bool
	value string
}

// TokenUnknown is the zero token: nobody has told us anything yet.
var TokenUnknown = Token{}

// EndOfHistory marks an end of the timeline with nothing beyond it.
var EndOfHistory = Token{known: true}

// BatchToken wraps a server batch token. An empty value means end of
// history.
func BatchToken(value string) Token {
	return Token{known: true, value: value}
}

// IsKnown reports whether the token has ever been set.
func (t Token) IsKnown() bool { return t.known }

// Value returns the batch token value, empty for unknown or end of
// history.
func (t Token) Value() string { return t.value }

// CanPaginate reports whether a pagination request can be made from this
// token.
func (t Token) CanPaginate() bool { return t.known && t.value != "" }
