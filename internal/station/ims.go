package station

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloudpico-stations/internal/format"
	"cloudpico-stations/internal/reading"
)

const TypeIMS = "ims"

const (
	RainRate    reading.Datum = "rain_rate"
	Humidity    reading.Datum = "humidity"
	Temperature reading.Datum = "temperature"
)

var IMSDatums = reading.NewDatumSet(TypeIMS, RainRate, Humidity, WindSpeed, WindDirection, Temperature)

// imsChannels maps IMS channel names to datums.
var imsChannels = map[string]reading.Datum{
	"Rain": RainRate,
	"RH":   Humidity,
	"WS":   WindSpeed,
	"WD":   WindDirection,
	"TD":   Temperature,
}

const DefaultHTTPTimeout = 20 * time.Second

type HTTPConfig struct {
	// BaseURL is scheme://host[:port] of the service.
	BaseURL   string
	StationID string
	Token     string
	Timeout   time.Duration
	Client    *http.Client
}

func (c HTTPConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

type imsChannel struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

type imsResponse struct {
	Data []struct {
		Channels []imsChannel `json:"channels"`
	} `json:"data"`
}

// IMSAcquirer polls the latest observation of one IMS Envista station.
type IMSAcquirer struct {
	url    string
	token  string
	client *http.Client
}

func NewIMS(cfg HTTPConfig) (*IMSAcquirer, error) {
	if cfg.BaseURL == "" || cfg.StationID == "" {
		return nil, fmt.Errorf("ims: base url and station id are required")
	}
	url := fmt.Sprintf("%s/v1/envista/stations/%s/data/latest", strings.TrimRight(cfg.BaseURL, "/"), cfg.StationID)
	return &IMSAcquirer{url: url, token: cfg.Token, client: cfg.client()}, nil
}

func (a *IMSAcquirer) URL() string { return a.url }

// Acquire maps every valid channel of the response. Invalid channels leave
// their datum unset.
func (a *IMSAcquirer) Acquire(ctx context.Context, sample *reading.Sample) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return fmt.Errorf("ims: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if a.token != "" {
		req.Header.Set("Authorization", "ApiToken "+a.token)
	}

	body, err := doGet(a.client, req)
	if err != nil {
		return err
	}

	var resp imsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("ims: %w: %v", format.ErrFormatMismatch, err)
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("ims: %w: no data", format.ErrFormatMismatch)
	}

	for _, ch := range resp.Data[0].Channels {
		if !ch.Valid {
			continue
		}
		d, ok := imsChannels[ch.Name]
		if !ok {
			continue
		}
		if err := sample.Set(d, ch.Value); err != nil {
			return fmt.Errorf("ims: %w", err)
		}
	}
	return nil
}

const maxBodySize = 1 << 20

func doGet(client *http.Client, req *http.Request) ([]byte, error) {
	op := "GET " + req.URL.Redacted()
	res, err := client.Do(req)
	if err != nil {
		return nil, transportErr(op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBodySize))
		return nil, transportErr(op, fmt.Errorf("status %s", res.Status))
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, transportErr(op, err)
	}
	return body, nil
}
