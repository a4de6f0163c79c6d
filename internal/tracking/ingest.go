// Package tracking implements the three producer paths that feed GPS and
// action data into the system: live push (HTTP + MQTT), external-app bulk
// push with unknown-username buffering, and the FollowMee-style background
// pull. All of them converge on the per-day log store and the per-user
// daily summary, and the reconciler migrates worksheets whose userName has
// since become resolvable.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/models"
)

// unassignedBufferWindow is how long a point from an unresolved external
// userName is held before being flushed to its per-userName worksheet.
const unassignedBufferWindow = 1 * time.Minute

// UserDirectory resolves an external tracker's userName label to a known
// platform user id.
type UserDirectory interface {
	ResolveUserName(ctx context.Context, userName string) (userID string, ok bool, err error)
}

// StaticDirectory is a fixed userName → userID mapping loaded at startup,
// used when the master user directory is just a configured table rather
// than a live lookup service.
type StaticDirectory struct {
	mapping map[string]string
}

// NewStaticDirectory builds a StaticDirectory from mapping.
func NewStaticDirectory(mapping map[string]string) *StaticDirectory {
	return &StaticDirectory{mapping: mapping}
}

// ResolveUserName implements UserDirectory.
func (d *StaticDirectory) ResolveUserName(ctx context.Context, userName string) (string, bool, error) {
	id, ok := d.mapping[userName]
	return id, ok, nil
}

type bufferedPoint struct {
	userName string
	point    models.LocationPoint
}

// Ingestor is the shared entry point for all three producer paths. It
// writes to the per-day log store (authoritative) and to the in-memory
// daily summary (best effort), and buffers external-app points whose
// userName is not yet known.
type Ingestor struct {
	logs   *logstore.Store
	writer *backingstore.BatchedWriter
	dir    UserDirectory
	agg    *aggregateStore
	loc    *time.Location
	logger *zap.Logger

	bufMu   sync.Mutex
	buffer  map[string][]bufferedPoint
	flushAt map[string]*time.Timer
}

// NewIngestor constructs an Ingestor.
func NewIngestor(logs *logstore.Store, writer *backingstore.BatchedWriter, dir UserDirectory, loc *time.Location, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		logs:    logs,
		writer:  writer,
		dir:     dir,
		agg:     newAggregateStore(),
		loc:     loc,
		logger:  logger,
		buffer:  make(map[string][]bufferedPoint),
		flushAt: make(map[string]*time.Timer),
	}
}

// Snapshot exposes a user's daily summary for a given date, e.g. for a
// status dashboard.
func (ing *Ingestor) Snapshot(date time.Time, userID string) *DailySummary {
	return ing.agg.Snapshot(dateKey(date, ing.loc), userID)
}

func dateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// IngestLive writes one authenticated event (GPS sample, action, or
// device-status) from an in-app session; the HTTP and MQTT paths both
// converge here. The per-day store write is authoritative; a failure there is
// returned to the caller. A failure updating the in-memory summary is only
// logged.
func (ing *Ingestor) IngestLive(ctx context.Context, userID, username string, entry models.LogEntry) error {
	eventTime := time.UnixMilli(entry.TimestampMs)
	if _, err := ing.logs.Insert(ctx, eventTime, entry); err != nil {
		return fmt.Errorf("tracking: per-day store write failed: %w", err)
	}

	if ing.writer != nil {
		row := backingstore.LogRow{
			UserID: userID, Username: username, TimestampMs: entry.TimestampMs,
			LogType: string(entry.LogType), Data: string(entry.Data),
		}
		ing.writer.Enqueue(userID, row)
		// Session events (login, logout, heartbeat) are additionally mirrored
		// into the shared auth log worksheet.
		if entry.LogType == models.LogTypeSession {
			ing.writer.Enqueue(backingstore.AuthQueueName, row)
		}
	}

	if entry.LogType == models.LogTypeGPS {
		var point models.LocationPoint
		if err := json.Unmarshal(entry.Data, &point); err != nil {
			ing.logger.Warn("tracking: could not decode GPS point for daily summary", zap.Error(err))
			return nil
		}
		ing.agg.recordPoint(dateKey(eventTime, ing.loc), userID, point)
	} else if entry.LogType == models.LogTypeAction {
		ing.agg.recordStatusChange(dateKey(eventTime, ing.loc), userID)
	}
	return nil
}

// IngestExternalBatch implements the external-app bulk push policy: reject
// GPS-not-ready sentinels, resolve userName, and either ingest directly or
// buffer for later worksheet flush.
func (ing *Ingestor) IngestExternalBatch(ctx context.Context, userName string, points []models.LocationPoint) (accepted, buffered int, err error) {
	userID, ok, err := ing.dir.ResolveUserName(ctx, userName)
	if err != nil {
		return 0, 0, fmt.Errorf("tracking: resolve userName: %w", err)
	}

	for _, p := range points {
		if p.IsGPSNotReadySentinel() {
			continue
		}
		p.Source = models.SourceExternalApp

		if ok {
			data, _ := json.Marshal(p)
			entry := models.LogEntry{UserID: userID, Username: userName, TimestampMs: p.TimestampMs, LogType: models.LogTypeGPS, Data: data}
			if ingestErr := ing.IngestLive(ctx, userID, userName, entry); ingestErr != nil {
				ing.logger.Error("tracking: external-app point ingest failed", zap.Error(ingestErr))
				continue
			}
			accepted++
			continue
		}

		ing.bufferPoint(userName, p)
		buffered++
	}
	return accepted, buffered, nil
}

func (ing *Ingestor) bufferPoint(userName string, point models.LocationPoint) {
	ing.bufMu.Lock()
	defer ing.bufMu.Unlock()

	ing.buffer[userName] = append(ing.buffer[userName], bufferedPoint{userName: userName, point: point})
	if _, scheduled := ing.flushAt[userName]; !scheduled {
		ing.flushAt[userName] = time.AfterFunc(unassignedBufferWindow, func() { ing.flushBuffer(userName) })
	}
}

func (ing *Ingestor) flushBuffer(userName string) {
	ing.bufMu.Lock()
	points := ing.buffer[userName]
	delete(ing.buffer, userName)
	delete(ing.flushAt, userName)
	ing.bufMu.Unlock()

	if len(points) == 0 {
		return
	}

	worksheet := UnassignedWorksheetName(userName)
	rows := make([]backingstore.LogRow, 0, len(points))
	for _, bp := range points {
		data, _ := json.Marshal(bp.point)
		rows = append(rows, backingstore.LogRow{
			UserID:      "",
			Username:    userName,
			TimestampMs: bp.point.TimestampMs,
			LogType:     string(models.LogTypeGPS),
			Data:        string(data),
		})
	}
	for _, row := range rows {
		ing.writer.Enqueue(worksheet, row)
	}
	ing.logger.Info("tracking: flushed unassigned points to worksheet", zap.String("userName", userName), zap.Int("count", len(points)))
}

// unassignedWorksheetPrefix tags worksheets holding points for a userName
// not yet mapped to a platform user.
const unassignedWorksheetPrefix = "unassigned_"

// UnassignedWorksheetName builds the worksheet name a given userName's
// buffered points are flushed to.
func UnassignedWorksheetName(userName string) string {
	return unassignedWorksheetPrefix + userName
}
