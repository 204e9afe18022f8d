package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"planet-backend/pkg/types"
)

// ErrLiveUnavailable 实时数据源不可达或无数据, 调用方回落到内置目录
var ErrLiveUnavailable = errors.New("live data source unavailable")

const (
	liveCacheTTL    = 6 * time.Hour
	liveMaxEvents   = 10
	liveMinMag      = 4.0
	liveLookbackDay = 7
)

// LiveSource 从 USGS 地震目录拉取近期事件, 铸造实时信号分析任务.
// 结果在内存中缓存 6 小时, 拉取失败时返回 ErrLiveUnavailable
type LiveSource struct {
	feedURL string
	client  *http.Client
	logger  zerolog.Logger

	mu        sync.Mutex
	cached    []map[string]interface{}
	fetchedAt time.Time
	rnd       *rand.Rand
}

// NewLiveSource 创建实时数据源
func NewLiveSource(feedURL string, timeout time.Duration) *LiveSource {
	return &LiveSource{
		feedURL: feedURL,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With().Str("component", "live-source").Logger(),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type usgsFeed struct {
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			Mag   float64 `json:"mag"`
			Place string  `json:"place"`
		} `json:"properties"`
	} `json:"features"`
}

// Fetch 返回一个实时地震信号任务载荷
func (s *LiveSource) Fetch(ctx context.Context) (types.TaskType, map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cached) > 0 && time.Since(s.fetchedAt) < liveCacheTTL {
		return types.TaskTypeSignal, s.cached[s.rnd.Intn(len(s.cached))], nil
	}

	events, err := s.fetchEvents(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("usgs feed fetch failed")
		return "", nil, ErrLiveUnavailable
	}
	if len(events) == 0 {
		return "", nil, ErrLiveUnavailable
	}

	s.cached = events
	s.fetchedAt = time.Now()
	s.logger.Info().Int("events", len(events)).Msg("usgs feed refreshed")
	return types.TaskTypeSignal, events[s.rnd.Intn(len(events))], nil
}

func (s *LiveSource) fetchEvents(ctx context.Context) ([]map[string]interface{}, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -liveLookbackDay)
	url := fmt.Sprintf("%s?format=geojson&minmagnitude=%.0f&starttime=%s&endtime=%s&limit=20",
		s.feedURL, liveMinMag, start.Format("2006-01-02"), end.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usgs feed status %d", resp.StatusCode)
	}

	var feed usgsFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, err
	}

	events := make([]map[string]interface{}, 0, liveMaxEvents)
	for i, f := range feed.Features {
		if i >= liveMaxEvents {
			break
		}
		mag := f.Properties.Mag
		if mag == 0 {
			mag = 5
		}
		place := f.Properties.Place
		if place == "" {
			place = "Unknown location"
		}
		events = append(events, s.eventPayload(f.ID, mag, place))
	}
	return events, nil
}

// eventPayload 根据震级生成合理的频率分布
func (s *LiveSource) eventPayload(eventID string, mag float64, place string) map[string]interface{} {
	freqs := []interface{}{
		map[string]interface{}{"hz": 0.1 + s.rnd.Float64()*0.3, "amplitude": mag * 1.2, "phase": 0.0},
		map[string]interface{}{"hz": 0.5 + s.rnd.Float64()*0.5, "amplitude": mag * 0.8, "phase": math.Pi / 3},
		map[string]interface{}{"hz": 1.0 + s.rnd.Float64()*1.0, "amplitude": mag * 0.5, "phase": math.Pi / 2},
		map[string]interface{}{"hz": 2.5 + s.rnd.Float64()*1.5, "amplitude": mag * 0.3, "phase": math.Pi},
		map[string]interface{}{"hz": 5.0 + s.rnd.Float64()*3.0, "amplitude": mag * 0.15, "phase": math.Pi * 1.5},
	}
	duration := mag * 2
	if duration < 8 {
		duration = 8
	}
	return map[string]interface{}{
		"scienceId":   eventID,
		"name":        fmt.Sprintf("M%.1f %s", mag, place),
		"description": fmt.Sprintf("Analyzing M%.1f earthquake near %s", mag, place),
		"sampleRate":  float64(1000),
		"duration":    duration,
		"frequencies": freqs,
		"noiseLevel":  0.02 + s.rnd.Float64()*0.06,
	}
}
