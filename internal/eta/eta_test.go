package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

type fixedClient struct {
	secs  float64
	err   error
	calls int
}

func (f *fixedClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.secs, f.err
}

func TestNaiveEstimate(t *testing.T) {
	a := models.Coord{}
	b := models.Coord{Lat: 1}
	assert.InDelta(t, 111195.0/8.0, EstimateSeconds(a, b, 0), 1)
	assert.InDelta(t, 111195.0/10.0, EstimateSeconds(a, b, 10), 1)
}

func TestEstimatorUsesClientAndCache(t *testing.T) {
	c := &fixedClient{secs: 601}
	e := NewEstimator(c, NewCache(time.Minute), 8)
	from, to := models.Coord{Lat: 0.3, Lng: 32.5}, models.Coord{Lat: 0.4, Lng: 32.6}

	assert.Equal(t, 11, e.Minutes(context.Background(), from, to))
	assert.Equal(t, 11, e.Minutes(context.Background(), from, to))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackOnClientError(t *testing.T) {
	c := &fixedClient{err: errors.New("no route")}
	e := NewEstimator(c, nil, 10)
	a := models.Coord{}
	b := models.Coord{Lat: 1}
	// 11119.5 s is 185.3 minutes
	assert.Equal(t, 186, e.Minutes(context.Background(), a, b))
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	a, b := models.Coord{Lat: 1}, models.Coord{Lat: 2}
	c.Set(a, b, 42)
	v, ok := c.Get(a, b)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	time.Sleep(5 * time.Millisecond)
	_, ok = c.Get(a, b)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/32.500000,0.300000;32.600000,0.400000", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	secs, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{Lat: 0.3, Lng: 32.5}, models.Coord{Lat: 0.4, Lng: 32.6})
	require.NoError(t, err)
	assert.Equal(t, 321.5, secs)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.Error(t, err)
}

func TestOSRMClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL+"/").EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}
