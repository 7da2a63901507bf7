package simulate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
)

// HTTPReporter posts position reports to a dispatch server's location route.
type HTTPReporter struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPReporter(baseURL string, timeout time.Duration) *HTTPReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReporter{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

type locationBody struct {
	CabID    string          `json:"cabId"`
	Position models.Position `json:"position"`
}

func (h *HTTPReporter) UpdatePosition(ctx context.Context, cabID string, p models.Position) (models.Cab, error) {
	b, err := json.Marshal(locationBody{CabID: cabID, Position: p})
	if err != nil {
		return models.Cab{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/api/cabs/location", bytes.NewReader(b))
	if err != nil {
		return models.Cab{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return models.Cab{}, apperr.Wrap(apperr.UpstreamUnavailable, "report position", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.Cab{ID: cabID, Position: p}, nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	msg := fmt.Sprintf("location report rejected: %d %s", resp.StatusCode, body.Error)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return models.Cab{}, apperr.New(apperr.NotFound, msg)
	case http.StatusBadRequest:
		return models.Cab{}, apperr.New(apperr.Validation, msg)
	default:
		return models.Cab{}, apperr.New(apperr.UpstreamUnavailable, msg)
	}
}
