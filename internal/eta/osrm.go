package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

// OSRMClient asks an OSRM server how long a truck needs to reach a pickup.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds returns the driving duration of the first route. OSRM
// takes lng,lat pairs.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	path := fmt.Sprintf("/route/v1/driving/%.6f,%.6f;%.6f,%.6f", from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.Endpoint+path+"?overview=false", nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: osrm: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("%w: osrm status %d", apperr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var route osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		return 0, fmt.Errorf("decode osrm route: %w", err)
	}
	if route.Code != "Ok" || len(route.Routes) == 0 {
		return 0, fmt.Errorf("osrm: no route (%s)", route.Code)
	}
	return route.Routes[0].Duration, nil
}
