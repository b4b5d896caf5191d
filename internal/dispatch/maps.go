package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// MapURL is a shareable pin for the incident location.
func MapURL(lat, lng float64) string {
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%.5f,%.5f", lat, lng)
}

// MapsClient talks to a distance-matrix service to rank responders by
// travel time. An empty API key disables it; callers fall back to
// haversine ordering.
type MapsClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewMapsClient(baseURL, apiKey string) *MapsClient {
	if baseURL == "" {
		baseURL = "https://maps.googleapis.com"
	}
	return &MapsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *MapsClient) Enabled() bool {
	return c != nil && c.apiKey != ""
}

type matrixResponse struct {
	Status string `json:"status"`
	Rows   []struct {
		Elements []struct {
			Status   string `json:"status"`
			Duration struct {
				Value int `json:"value"` // seconds
			} `json:"duration"`
			Distance struct {
				Value int `json:"value"` // meters
			} `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
}

// TravelSeconds returns the driving duration in seconds from each
// origin to the destination, aligned with the origins slice. An
// unroutable origin gets -1.
func (c *MapsClient) TravelSeconds(ctx context.Context, origins [][2]float64, destLat, destLng float64) ([]int, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("distance matrix not configured")
	}
	if len(origins) == 0 {
		return nil, nil
	}

	parts := make([]string, len(origins))
	for i, o := range origins {
		parts[i] = fmt.Sprintf("%.6f,%.6f", o[0], o[1])
	}
	params := url.Values{}
	params.Set("origins", strings.Join(parts, "|"))
	params.Set("destinations", fmt.Sprintf("%.6f,%.6f", destLat, destLng))
	params.Set("key", c.apiKey)

	reqURL := c.baseURL + "/maps/api/distancematrix/json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create distance matrix request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("distance matrix request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("distance matrix returned status %d", resp.StatusCode)
	}

	var matrix matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&matrix); err != nil {
		return nil, fmt.Errorf("decode distance matrix response: %w", err)
	}
	if matrix.Status != "OK" {
		return nil, fmt.Errorf("distance matrix status %s", matrix.Status)
	}
	if len(matrix.Rows) != len(origins) {
		return nil, fmt.Errorf("distance matrix returned %d rows for %d origins", len(matrix.Rows), len(origins))
	}

	durations := make([]int, len(origins))
	for i, row := range matrix.Rows {
		if len(row.Elements) == 0 || row.Elements[0].Status != "OK" {
			durations[i] = -1
			continue
		}
		durations[i] = row.Elements[0].Duration.Value
	}
	return durations, nil
}
