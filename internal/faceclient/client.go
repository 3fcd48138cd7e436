package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eduface/attendance/internal/models"
)

// Confidence values used when the service reports a face without a score.
const (
	confidenceTracked   = 0.9
	confidenceUntracked = 0.8
)

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	FaceSize  int     `json:"face_size"`
	IsFrontal bool    `json:"is_frontal"`
}

// Client calls the face detection microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Detect asks the service whether the image holds a face. A response with no
// faces is a negative verification, not an error.
func (c *Client) Detect(ctx context.Context, imageURL string) (models.Verification, error) {
	if c.Skip {
		return models.Verification{Detected: true, Confidence: confidenceTracked}, nil
	}
	if imageURL == "" {
		return models.Verification{}, errors.New("image url required")
	}

	body, _ := json.Marshal(map[string]string{"image_url": imageURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return models.Verification{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return models.Verification{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return models.Verification{}, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Score         float64      `json:"score"`
		FacesDetected int          `json:"faces_detected"`
		Quality       *FaceQuality `json:"quality"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Verification{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return toVerification(out.FacesDetected, out.Score, out.Quality), nil
}

func toVerification(faces int, score float64, q *FaceQuality) models.Verification {
	if faces <= 0 {
		return models.Verification{}
	}
	switch {
	case score > 1:
		score = 1
	case score <= 0:
		score = confidenceUntracked
		if q != nil && q.IsFrontal {
			score = confidenceTracked
		}
	}
	return models.Verification{Detected: true, Confidence: score}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
