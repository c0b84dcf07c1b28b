// Package store provides persistent storage for coven-chat using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces so collaborators
// depend only on what they use:
//
//   - ProjectStore: Project configuration and cost limits
//   - SessionStore: Session records, conversation tokens, the durable processing flag
//   - MessageStore: Ordered session history
//   - UsageStore: Per-turn usage records and windowed project spend
//
// SQLiteStore implements all of them, and Store combines them with Close.
//
// # Data Models
//
//   - Project: API key, system prompt, allowed tools, model, daily/weekly/monthly limits
//   - Session: Owning project, model override, conversation token, totals
//   - Message: Role plus ordered ContentBlocks (text, tool_use, tool_result)
//   - UsageRecord: Token counters, cost, and duration of one completed turn
//
// AppendMessages writes a batch in one transaction and assigns per-session
// sequence numbers, so history always reads back in append order.
//
// # SQLite Configuration
//
// Two drivers are supported:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, cgo
//
// Each store holds a single connection with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicate: Entity with that ID already exists
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Tests open a real store in t.TempDir():
//
//	s, err := store.NewSQLiteStore(store.DriverModernc, filepath.Join(t.TempDir(), "test.db"))
package store
