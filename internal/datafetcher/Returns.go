/*
This file fetches per-period strategy return observations from the yield feed
API. Scoring needs a clean return series per strategy, so every point is
validated before it reaches the catalog.
*/

package datafetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

var returnsLogger = logger.GetForComponent("returns_retriever")

var ErrInvalidReturnData = errors.New("invalid return data received")
var ErrAPIConfiguration = errors.New("API configuration error")
var ErrFeedRequestFailed = errors.New("yield feed request failed")

const (
	// Per-period returns beyond +-50% are treated as feed corruption rather
	// than real yield.
	maxAbsoluteReturn = 0.5

	requestTimeout = 30 * time.Second
)

// feedResponse is the yield feed wire format: one entry per strategy, each
// carrying its recent per-period return observations.
type feedResponse struct {
	Strategies []struct {
		ID      string `json:"id"`
		Returns []struct {
			Timestamp int64   `json:"timestamp"` // Unix seconds
			Return    float64 `json:"return"`
		} `json:"returns"`
	} `json:"strategies"`
}

// FetchStrategyReturns pulls the latest return observations for all strategies
// from the configured yield feed. The endpoint comes from the YIELD_FEED_URL
// environment variable; an optional YIELD_FEED_API_KEY is sent as a bearer
// token.
func FetchStrategyReturns() (map[types.StrategyID][]types.ReturnPoint, error) {
	endpoint := os.Getenv("YIELD_FEED_URL")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: YIELD_FEED_URL is not set", ErrAPIConfiguration)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("%w: YIELD_FEED_URL is not a valid URL: %v", ErrAPIConfiguration, err)
	}

	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", ErrFeedRequestFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey := os.Getenv("YIELD_FEED_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := http.Client{Timeout: requestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d %s", ErrFeedRequestFailed, resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", ErrFeedRequestFailed, err)
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrInvalidReturnData, err)
	}

	return parseFeed(feed)
}

// parseFeed validates and converts the feed payload. A single bad point fails
// the whole fetch; scoring on partially corrupt data is worse than scoring on
// stale data.
func parseFeed(feed feedResponse) (map[types.StrategyID][]types.ReturnPoint, error) {
	observations := make(map[types.StrategyID][]types.ReturnPoint, len(feed.Strategies))

	for _, entry := range feed.Strategies {
		if entry.ID == "" {
			return nil, fmt.Errorf("%w: entry with empty strategy ID", ErrInvalidReturnData)
		}
		if _, seen := observations[types.StrategyID(entry.ID)]; seen {
			return nil, fmt.Errorf("%w: duplicate strategy %s", ErrInvalidReturnData, entry.ID)
		}

		points := make([]types.ReturnPoint, 0, len(entry.Returns))
		var lastTimestamp int64
		for i, raw := range entry.Returns {
			if err := validateReturnPoint(entry.ID, i, raw.Timestamp, raw.Return, lastTimestamp); err != nil {
				return nil, err
			}
			lastTimestamp = raw.Timestamp
			points = append(points, types.ReturnPoint{
				Timestamp: time.Unix(raw.Timestamp, 0).UTC(),
				Return:    raw.Return,
			})
		}
		observations[types.StrategyID(entry.ID)] = points
	}

	total := 0
	for _, pts := range observations {
		total += len(pts)
	}
	returnsLogger.Info().
		Int("strategy_count", len(observations)).
		Int("observation_count", total).
		Msg("Fetched strategy returns from yield feed")

	return observations, nil
}

func validateReturnPoint(strategyID string, index int, timestamp int64, value float64, lastTimestamp int64) error {
	if timestamp <= 0 {
		return fmt.Errorf("%w: %s point %d has invalid timestamp %d", ErrInvalidReturnData, strategyID, index, timestamp)
	}
	if timestamp <= lastTimestamp {
		return fmt.Errorf("%w: %s point %d is out of chronological order", ErrInvalidReturnData, strategyID, index)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s point %d is not finite", ErrInvalidReturnData, strategyID, index)
	}
	if math.Abs(value) > maxAbsoluteReturn {
		return fmt.Errorf("%w: %s point %d return %f exceeds plausibility bound", ErrInvalidReturnData, strategyID, index, value)
	}
	return nil
}
