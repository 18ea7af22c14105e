// Package report sends incident telemetry to the SmartHelmet backend.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Telemetry is the body of POST /api/telemetry.
type Telemetry struct {
	HelmetID string    `json:"helmet_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Speed    float64   `json:"speed"` // km/h
	Impact   bool      `json:"impact"`
	AIP      *float64  `json:"ai_p"` // null when the impact came without a probability
	TS       time.Time `json:"ts"`
}

// Position is where the rider is. The reporter has no GPS; the position
// comes from config.
type Position struct {
	Lat, Lon float64
	Speed    float64 // km/h
}

// Reporter posts incidents to one backend endpoint.
type Reporter struct {
	url      string
	helmetID string
	pos      Position
	client   *http.Client
	now      func() time.Time
}

// NewReporter creates a Reporter. timeout bounds each request.
func NewReporter(url, helmetID string, pos Position, timeout time.Duration) *Reporter {
	return &Reporter{
		url:      url,
		helmetID: helmetID,
		pos:      pos,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

// ReportImpact posts an impact incident. aiP is the model probability, if
// known.
func (r *Reporter) ReportImpact(ctx context.Context, aiP *float64) error {
	t := Telemetry{
		HelmetID: r.helmetID,
		Lat:      r.pos.Lat,
		Lon:      r.pos.Lon,
		Speed:    r.pos.Speed,
		Impact:   true,
		AIP:      aiP,
		TS:       r.now().UTC(),
	}
	return r.Send(ctx, t)
}

// Send posts one telemetry record. Non-2xx responses are errors.
func (r *Reporter) Send(ctx context.Context, t Telemetry) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("report: encoding telemetry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Info("[REPORT] sending incident", "url", r.url, "helmet_id", t.HelmetID)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("report: posting telemetry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("report: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	slog.Info("[REPORT] incident accepted", "status", resp.StatusCode)
	return nil
}
