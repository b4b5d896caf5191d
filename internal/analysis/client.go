package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigilcam/vigil/internal/security"
)

// Client talks to the video annotation service. Annotation is a
// long-running operation: a start call returns an operation name which
// is then polled until done.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		pollInterval: 5 * time.Second,
		pollTimeout:  8 * time.Minute,
	}
}

// SetPollPolicy overrides the polling cadence; tests use this to avoid
// waiting on real intervals.
func (c *Client) SetPollPolicy(interval, timeout time.Duration) {
	c.pollInterval = interval
	c.pollTimeout = timeout
}

type annotateRequest struct {
	InputURI string   `json:"inputUri"`
	Features []string `json:"features"`
}

type annotateResponse struct {
	Name string `json:"name"`
}

type operationResponse struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Error    *opError          `json:"error"`
	Response *annotationResult `json:"response"`
}

type opError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type annotationResult struct {
	LabelAnnotations []labelAnnotation `json:"labelAnnotations"`
	PersonDetections []personDetection `json:"personDetections"`
	FaceAnnotations  []faceAnnotation  `json:"faceAnnotations"`
}

type labelAnnotation struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type personDetection struct {
	TrackID string `json:"trackId"`
}

type faceAnnotation struct {
	JoyLikelihood    string `json:"joyLikelihood"`
	AngerLikelihood  string `json:"angerLikelihood"`
	FearLikelihood   string `json:"fearLikelihood"`
	SorrowLikelihood string `json:"sorrowLikelihood"`
}

// DefaultFeatures are requested for every chunk.
var DefaultFeatures = []string{"LABEL_DETECTION", "PERSON_DETECTION", "FACE_DETECTION"}

// StartAnnotation kicks off annotation of a stored chunk and returns
// the operation name to poll.
func (c *Client) StartAnnotation(ctx context.Context, cloudURI string, features []string) (string, error) {
	if len(features) == 0 {
		features = DefaultFeatures
	}
	body, err := json.Marshal(annotateRequest{InputURI: cloudURI, Features: features})
	if err != nil {
		return "", fmt.Errorf("marshal annotate request: %w", err)
	}

	respBody, err := c.post(ctx, "/v1/videos:annotate", body)
	if err != nil {
		return "", err
	}

	var resp annotateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal annotate response: %w", err)
	}
	if resp.Name == "" {
		return "", fmt.Errorf("annotation service returned no operation name")
	}
	return resp.Name, nil
}

// PollOperation polls until the operation completes, fails, or the
// poll deadline passes. The returned Observation is what the security
// scorer consumes.
func (c *Client) PollOperation(ctx context.Context, operationName string) (security.Observation, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		op, err := c.getOperation(ctx, operationName)
		if err != nil {
			return security.Observation{}, err
		}
		if op.Done {
			if op.Error != nil {
				return security.Observation{}, fmt.Errorf("annotation operation failed: %s (code %d)", op.Error.Message, op.Error.Code)
			}
			if op.Response == nil {
				return security.Observation{}, fmt.Errorf("annotation operation done with empty response")
			}
			return toObservation(op.Response), nil
		}

		if time.Now().After(deadline) {
			return security.Observation{}, fmt.Errorf("annotation operation %s timed out after %s", operationName, c.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return security.Observation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Annotate is the convenience start-then-poll call the worker uses.
func (c *Client) Annotate(ctx context.Context, cloudURI string) (security.Observation, error) {
	name, err := c.StartAnnotation(ctx, cloudURI, nil)
	if err != nil {
		return security.Observation{}, err
	}
	return c.PollOperation(ctx, name)
}

func toObservation(res *annotationResult) security.Observation {
	obs := security.Observation{PersonCount: len(res.PersonDetections)}
	for _, l := range res.LabelAnnotations {
		obs.Labels = append(obs.Labels, security.Label{
			Description: l.Description,
			Confidence:  l.Confidence,
		})
	}
	for _, f := range res.FaceAnnotations {
		obs.Faces = append(obs.Faces, security.FaceSignals{
			Joy:    security.Likelihood(f.JoyLikelihood),
			Anger:  security.Likelihood(f.AngerLikelihood),
			Fear:   security.Likelihood(f.FearLikelihood),
			Sorrow: security.Likelihood(f.SorrowLikelihood),
		})
	}
	return obs
}

func (c *Client) getOperation(ctx context.Context, name string) (*operationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/operations/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("create operation request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read operation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("annotation service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var op operationResponse
	if err := json.Unmarshal(respBody, &op); err != nil {
		return nil, fmt.Errorf("unmarshal operation response: %w", err)
	}
	return &op, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("annotation service returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}
