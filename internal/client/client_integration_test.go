//go:build integration
// +build integration

package client

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/weather-mcp/internal/models"
)

var hexKey = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

func integrationClient(t *testing.T) *OpenWeatherClient {
	t.Helper()
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}
	require.Truef(t, hexKey.MatchString(apiKey), "API key format validation failed: %v",
		fmt.Errorf("want 32 hex characters, got %d chars", len(apiKey)))
	c, err := NewOpenWeatherClient(Options{APIKey: apiKey, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestOpenWeatherClient_Ping_Integration(t *testing.T) {
	c := integrationClient(t)
	assert.NoError(t, c.Ping(context.Background()), "API key may not be activated yet")
}

func TestOpenWeatherClient_Yangon_Integration(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()

	locs, err := c.ResolveLocation(ctx, models.LocationQuery{City: "Yangon", Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, locs)
	res, err := c.FetchCurrent(ctx, locs[0], models.QueryOptions{Units: "metric"})
	require.NoError(t, err)
	require.NotNil(t, res.Current)
	assert.False(t, res.Current.ObservedAt.IsZero(), "current conditions carry an observation time")
	assert.False(t, res.FetchedAt.After(time.Now()), "FetchedAt %v is in the future", res.FetchedAt)
}
