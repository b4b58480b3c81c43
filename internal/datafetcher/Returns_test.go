package datafetcher

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

func TestFetchStrategyReturns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"strategies":[
			{"id":"alpha","returns":[
				{"timestamp":1748736000,"return":0.01},
				{"timestamp":1748822400,"return":-0.002}
			]},
			{"id":"beta","returns":[]}
		]}`)
	}))
	defer server.Close()

	t.Setenv("YIELD_FEED_URL", server.URL)
	t.Setenv("YIELD_FEED_API_KEY", "test-key")

	observations, err := FetchStrategyReturns()
	require.NoError(t, err)
	require.Len(t, observations, 2)

	alpha := observations[types.StrategyID("alpha")]
	require.Len(t, alpha, 2)
	assert.Equal(t, time.Unix(1748736000, 0).UTC(), alpha[0].Timestamp)
	assert.Equal(t, 0.01, alpha[0].Return)
	assert.Equal(t, -0.002, alpha[1].Return)

	assert.Empty(t, observations[types.StrategyID("beta")])
}

func TestFetchStrategyReturnsRequiresEndpoint(t *testing.T) {
	t.Setenv("YIELD_FEED_URL", "")

	_, err := FetchStrategyReturns()
	assert.ErrorIs(t, err, ErrAPIConfiguration)
}

func TestFetchStrategyReturnsRejectsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	t.Setenv("YIELD_FEED_URL", server.URL)
	t.Setenv("YIELD_FEED_API_KEY", "")

	_, err := FetchStrategyReturns()
	assert.ErrorIs(t, err, ErrFeedRequestFailed)
}

func TestParseFeedRejectsCorruptPoints(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty strategy ID", `{"strategies":[{"id":"","returns":[]}]}`},
		{"zero timestamp", `{"strategies":[{"id":"alpha","returns":[{"timestamp":0,"return":0.01}]}]}`},
		{"out of order", `{"strategies":[{"id":"alpha","returns":[
			{"timestamp":1748822400,"return":0.01},
			{"timestamp":1748736000,"return":0.01}
		]}]}`},
		{"implausible return", `{"strategies":[{"id":"alpha","returns":[{"timestamp":1748736000,"return":0.9}]}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			t.Setenv("YIELD_FEED_URL", server.URL)
			t.Setenv("YIELD_FEED_API_KEY", "")

			_, err := FetchStrategyReturns()
			assert.ErrorIs(t, err, ErrInvalidReturnData)
		})
	}
}
