//go:build integration
// +build integration

package client

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/testhelpers"
)

func integrationClient(t *testing.T) *WAQIClient {
	t.Helper()
	c, err := NewWAQIClient(Config{Token: testhelpers.WAQIToken(t), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewWAQIClient() error = %v", err)
	}
	return c
}

func TestWAQIClient_ValidateToken_Integration(t *testing.T) {
	if err := integrationClient(t).ValidateToken(context.Background()); err != nil {
		t.Errorf("ValidateToken() error = %v", err)
	}
}

func TestWAQIClient_FeedByCity_Integration(t *testing.T) {
	got, err := integrationClient(t).FeedByCity(context.Background(), "delhi")
	if err != nil {
		t.Fatalf("FeedByCity() error = %v", err)
	}
	if got.Station == "" {
		t.Error("expected station name")
	}
}

func TestWAQIClient_Stations_Integration(t *testing.T) {
	got, err := integrationClient(t).Stations(context.Background(), IndiaBounds)
	if err != nil {
		t.Fatalf("Stations() error = %v", err)
	}
	if len(got) == 0 {
		t.Error("expected at least one station inside India bounds")
	}
}
