// Package backingstore adapts the external tabular backing store (an
// ordered set of rows with append/update/batch-update operations) behind
// narrow capability interfaces, plus the back-pressured batched writer
// that sits in front of it.
package backingstore

import "context"

// DatasetRow mirrors one row of the global dataset worksheet.
type DatasetRow struct {
	ID                string
	NormalizedAddress string
	Street            string
	HouseNumber       string
	City              string
	Postal            string
	CreatedBy         string
	CreatedAtISO      string
	RawResidentData   string
	ResidentsJSON     string
}

// LogRow mirrors one row appended to a per-user or per-worksheet log table.
type LogRow struct {
	UserID      string
	Username    string
	TimestampMs int64
	LogType     string
	Data        string
}

// Appender appends a single row to a named worksheet/table.
type Appender interface {
	Append(ctx context.Context, worksheet string, row DatasetRow) error
}

// BatchUpdater replaces a single row in place, identified by id: the
// "range update" operation used by the dataset flusher once a row exists.
type BatchUpdater interface {
	UpdateRow(ctx context.Context, worksheet string, row DatasetRow) error
}

// BatchAppender appends many rows to a worksheet in one call, used by the
// batched writer's flush and the tracking reconciler's bulk writes.
type BatchAppender interface {
	BatchAppend(ctx context.Context, worksheet string, rows []LogRow) error
}

// WorksheetLister enumerates worksheets, used by the unassigned-data
// reconciler to discover worksheets not yet mapped to a user.
type WorksheetLister interface {
	ListWorksheets(ctx context.Context, prefix string) ([]string, error)
}

// WorksheetAdder creates a worksheet (with headers, on demand) the first
// time a previously-unseen producer (e.g. an unmapped external-tracker
// userName) needs one.
type WorksheetAdder interface {
	AddWorksheet(ctx context.Context, name string, headers []string) error
}

// WorksheetDeleter removes a worksheet, used once the reconciler has
// migrated its rows into per-user storage.
type WorksheetDeleter interface {
	DeleteWorksheet(ctx context.Context, name string) error
}

// Store composes every capability the engine, batched writer, and
// reconciler need, without any of them depending on the concrete driver.
type Store interface {
	Appender
	BatchUpdater
	BatchAppender
	WorksheetLister
	WorksheetAdder
	WorksheetDeleter

	// LoadAllDatasets loads every dataset row at startup, for the dataset
	// cache's initial fill.
	LoadAllDatasets(ctx context.Context) ([]DatasetRow, error)

	// LoadWorksheetRows reads every row of a worksheet, used by the
	// unassigned-data reconciler.
	LoadWorksheetRows(ctx context.Context, worksheet string) ([]LogRow, error)
}
