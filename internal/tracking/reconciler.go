package tracking

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/models"
)

// reconcilerWorksheetListPrefix is the physical-table prefix
// unassigned-user worksheets are created under (PostgresStore.logTableName
// always prepends "user_logs_" to the logical worksheet name).
const reconcilerWorksheetListPrefix = "user_logs_" + unassignedWorksheetPrefix

// Reconciler scans the unassigned-worksheet pool on process start and at
// the midnight boundary, re-resolving any userName that has since become
// known and migrating its buffered points: past days into the per-day store,
// today's into the user's batched-writer queue.
type Reconciler struct {
	store  backingstore.Store
	dir    UserDirectory
	logs   *logstore.Store
	writer *backingstore.BatchedWriter
	loc    *time.Location
	logger *zap.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store backingstore.Store, dir UserDirectory, logs *logstore.Store, writer *backingstore.BatchedWriter, loc *time.Location, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, dir: dir, logs: logs, writer: writer, loc: loc, logger: logger}
}

// ReconcileUnassigned performs one reconciliation pass.
func (r *Reconciler) ReconcileUnassigned(ctx context.Context) error {
	tables, err := r.store.ListWorksheets(ctx, reconcilerWorksheetListPrefix)
	if err != nil {
		return err
	}

	today := dateKey(time.Now(), r.loc)
	migrated := 0

	for _, table := range tables {
		userName := userNameFromTable(table)
		if userName == "" {
			continue
		}

		userID, ok, err := r.dir.ResolveUserName(ctx, userName)
		if err != nil {
			r.logger.Error("tracking: reconciler resolve failed", zap.String("userName", userName), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		worksheet := UnassignedWorksheetName(userName)
		rows, err := r.store.LoadWorksheetRows(ctx, worksheet)
		if err != nil {
			r.logger.Error("tracking: reconciler load rows failed", zap.String("worksheet", worksheet), zap.Error(err))
			continue
		}

		byDate := make(map[string][]models.LogEntry)
		for _, row := range rows {
			point, ok := decodePoint(row.Data)
			if !ok {
				continue
			}
			data, _ := json.Marshal(point)
			entry := models.LogEntry{
				UserID: userID, Username: userName,
				TimestampMs: point.TimestampMs, LogType: models.LogTypeGPS, Data: data,
			}
			key := dateKey(time.UnixMilli(point.TimestampMs), r.loc)
			byDate[key] = append(byDate[key], entry)
		}

		for date, entries := range byDate {
			if date == today {
				for _, e := range entries {
					r.writer.Enqueue(userID, backingstore.LogRow{
						UserID: userID, Username: userName, TimestampMs: e.TimestampMs,
						LogType: string(e.LogType), Data: string(e.Data),
					})
				}
				continue
			}
			parsed, err := time.ParseInLocation("2006-01-02", date, r.loc)
			if err != nil {
				continue
			}
			if _, err := r.logs.InsertBatch(ctx, parsed, entries); err != nil {
				r.logger.Error("tracking: reconciler historical insert failed", zap.String("date", date), zap.Error(err))
			}
		}

		if err := r.store.DeleteWorksheet(ctx, worksheet); err != nil {
			r.logger.Error("tracking: reconciler delete worksheet failed", zap.String("worksheet", worksheet), zap.Error(err))
			continue
		}
		migrated++
	}

	if migrated > 0 {
		r.logger.Info("tracking: reconciled unassigned worksheets", zap.Int("count", migrated))
	}
	return nil
}

func userNameFromTable(table string) string {
	if !strings.HasPrefix(table, reconcilerWorksheetListPrefix) {
		return ""
	}
	return strings.TrimPrefix(table, reconcilerWorksheetListPrefix)
}

// decodePoint unmarshals a LocationPoint from row data, tolerating
// comma-decimal coordinates (e.g. "52,5200") from sources that use a
// German decimal separator.
func decodePoint(raw string) (models.LocationPoint, bool) {
	var point models.LocationPoint
	if err := json.Unmarshal([]byte(raw), &point); err == nil {
		return point, true
	}

	// Only numeric fields after a colon use a comma decimal separator in
	// malformed source rows ("lat":52,5200); the object's own comma/brace
	// syntax is left untouched by anchoring the match to that context.
	normalized := commaDecimalRe.ReplaceAllString(raw, `:$1.$2`)
	if err := json.Unmarshal([]byte(normalized), &point); err == nil {
		return point, true
	}
	return models.LocationPoint{}, false
}

var commaDecimalRe = regexp.MustCompile(`:(-?\d+),(\d+)`)
