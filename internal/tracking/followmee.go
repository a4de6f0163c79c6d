package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/models"
)

// PullInterval and PullLookback set the background-pull cadence: every 5
// minutes with a 1-hour lookback.
const (
	PullInterval = 5 * time.Minute
	PullLookback = 1 * time.Hour
)

// ProviderPoint is one fix returned by the external tracking provider
// (FollowMee or an equivalent device-tracking API).
type ProviderPoint struct {
	DeviceID  string
	UserID    string
	Timestamp time.Time
	Latitude  float64
	Longitude float64
}

// Provider pulls recent points for every mapped device from the external
// tracking service.
type Provider interface {
	PullRecent(ctx context.Context, since time.Time) ([]ProviderPoint, error)
}

// dedupID builds the dedup key: deviceId|dateYMD|lat|lon.
func dedupID(p ProviderPoint, loc *time.Location) string {
	return fmt.Sprintf("%s|%s|%.6f|%.6f", p.DeviceID, p.Timestamp.In(loc).Format("2006-01-02"), p.Latitude, p.Longitude)
}

// Puller runs the periodic background pull, deduplicating points already
// seen by this process and feeding new ones through the shared Ingestor.
type Puller struct {
	provider Provider
	ing      *Ingestor
	loc      *time.Location
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewPuller constructs a Puller.
func NewPuller(provider Provider, ing *Ingestor, loc *time.Location, logger *zap.Logger) *Puller {
	return &Puller{
		provider: provider,
		ing:      ing,
		loc:      loc,
		logger:   logger,
		seen:     make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts the 5-minute pull loop until ctx is cancelled or Stop is called.
func (p *Puller) Run(ctx context.Context) {
	ticker := time.NewTicker(PullInterval)
	defer ticker.Stop()
	defer close(p.done)

	p.pullOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.pullOnce(ctx)
		}
	}
}

// Stop halts the pull loop and waits for it to exit.
func (p *Puller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Puller) pullOnce(ctx context.Context) {
	since := time.Now().Add(-PullLookback)
	points, err := p.provider.PullRecent(ctx, since)
	if err != nil {
		p.logger.Error("tracking: followmee pull failed", zap.Error(err))
		return
	}

	newCount := 0
	for _, point := range points {
		id := dedupID(point, p.loc)
		p.mu.Lock()
		_, already := p.seen[id]
		if !already {
			p.seen[id] = struct{}{}
		}
		p.mu.Unlock()
		if already {
			continue
		}

		locPoint := models.LocationPoint{
			TimestampMs: point.Timestamp.UnixMilli(),
			Latitude:    point.Latitude,
			Longitude:   point.Longitude,
			Source:      models.SourceFollowMee,
		}
		data, _ := json.Marshal(locPoint)
		entry := models.LogEntry{
			UserID:      point.UserID,
			TimestampMs: locPoint.TimestampMs,
			LogType:     models.LogTypeGPS,
			Data:        data,
		}
		if err := p.ing.IngestLive(ctx, point.UserID, "", entry); err != nil {
			p.logger.Error("tracking: followmee point ingest failed", zap.Error(err))
			continue
		}
		newCount++
	}
	if newCount > 0 {
		p.logger.Info("tracking: followmee pull ingested new points", zap.Int("count", newCount))
	}
}

// followMeeHistoryResponse mirrors the FollowMee "tracehistory" endpoint's
// shape: a map keyed by device id, each holding its recent fixes.
type followMeeHistoryResponse struct {
	Data map[string][]followMeeFix `json:"data"`
}

type followMeeFix struct {
	UserID    string  `json:"userid"`
	Date      string  `json:"date"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HTTPProvider pulls recent fixes from a FollowMee-shaped HTTP API,
// implementing Provider.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	username string
	client   *http.Client
}

// NewHTTPProvider builds an HTTPProvider bound to baseURL with the given
// per-request timeout.
func NewHTTPProvider(baseURL, apiKey, username string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		username: username,
		client:   &http.Client{Timeout: timeout},
	}
}

// PullRecent implements Provider by querying the trace-history endpoint for
// every fix recorded since since.
func (p *HTTPProvider) PullRecent(ctx context.Context, since time.Time) ([]ProviderPoint, error) {
	endpoint := fmt.Sprintf("%s/api/traces.aspx?key=%s&username=%s&from=%s&output=json",
		p.baseURL, url.QueryEscape(p.apiKey), url.QueryEscape(p.username),
		url.QueryEscape(since.UTC().Format("2006-01-02 15:04:05")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "tracking: build followmee request")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "tracking: followmee request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("tracking: followmee returned status %d", resp.StatusCode)
	}

	var parsed followMeeHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, eris.Wrap(err, "tracking: decode followmee response")
	}

	var out []ProviderPoint
	for deviceID, fixes := range parsed.Data {
		for _, f := range fixes {
			ts, err := time.Parse("2006-01-02 15:04:05", f.Date)
			if err != nil {
				continue
			}
			userID := f.UserID
			if userID == "" {
				userID = deviceID
			}
			out = append(out, ProviderPoint{
				DeviceID: deviceID, UserID: userID, Timestamp: ts,
				Latitude: f.Latitude, Longitude: f.Longitude,
			})
		}
	}
	return out, nil
}
