// Package shipping queries an Indonesian shipping-rate provider
// (RajaOngkir wire format) for the "cek ongkir" auto-reply command.
package shipping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/httpkit"
)

const defaultBaseURL = "https://api.rajaongkir.com/starter"

// DefaultCourier is queried when the user does not name one.
const DefaultCourier = "jne"

// City is one resolvable origin or destination.
type City struct {
	ID       string
	Name     string
	Province string
}

// Rate is one courier service quote.
type Rate struct {
	Courier     string
	Service     string
	Description string
	Cost        int    // rupiah
	ETD         string // estimated days, e.g. "2-3"
}

// Client calls the rate provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a shipping client. An empty baseURL falls back to the
// hosted endpoint.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger.With("provider", "rajaongkir"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// Provider envelope shared by every endpoint.
type envelope struct {
	RajaOngkir struct {
		Status struct {
			Code        int    `json:"code"`
			Description string `json:"description"`
		} `json:"status"`
		Results json.RawMessage `json:"results"`
	} `json:"rajaongkir"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, results any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, results)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, results any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, results)
}

func (c *Client) do(req *http.Request, results any) error {
	req.Header.Set("key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("shipping request: %w: %w", err, gateway.ErrDependencyFailed)
	}
	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 1024)
		return fmt.Errorf("shipping status %d: %s: %w",
			resp.StatusCode, detail, gateway.ErrDependencyFailed)
	}

	var env envelope
	err = json.NewDecoder(resp.Body).Decode(&env)
	httpkit.DrainAndClose(resp.Body, 4096)
	if err != nil {
		return fmt.Errorf("decode shipping response: %w", err)
	}
	if env.RajaOngkir.Status.Code != 200 {
		return fmt.Errorf("shipping provider error %d: %s: %w",
			env.RajaOngkir.Status.Code, env.RajaOngkir.Status.Description,
			gateway.ErrDependencyFailed)
	}
	if err := json.Unmarshal(env.RajaOngkir.Results, results); err != nil {
		return fmt.Errorf("decode shipping results: %w", err)
	}
	return nil
}

type cityResult struct {
	CityID   string `json:"city_id"`
	CityName string `json:"city_name"`
	Province string `json:"province"`
}

// FindCity resolves a city name to the provider's city id. Matching is
// case-insensitive on name containment; the first match wins.
func (c *Client) FindCity(ctx context.Context, name string) (*City, error) {
	var results []cityResult
	if err := c.get(ctx, "/city", nil, &results); err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(name))
	for _, r := range results {
		if strings.Contains(strings.ToLower(r.CityName), needle) {
			return &City{ID: r.CityID, Name: r.CityName, Province: r.Province}, nil
		}
	}
	return nil, fmt.Errorf("city %q: %w", name, gateway.ErrNotFound)
}

type costResult struct {
	Code  string `json:"code"`
	Costs []struct {
		Service     string `json:"service"`
		Description string `json:"description"`
		Cost        []struct {
			Value int    `json:"value"`
			ETD   string `json:"etd"`
		} `json:"cost"`
	} `json:"costs"`
}

// Cost quotes the courier services between two resolved cities for a
// parcel weight in grams.
func (c *Client) Cost(ctx context.Context, originID, destID string, weightGrams int, courier string) ([]Rate, error) {
	if courier == "" {
		courier = DefaultCourier
	}
	form := url.Values{
		"origin":      {originID},
		"destination": {destID},
		"weight":      {strconv.Itoa(weightGrams)},
		"courier":     {courier},
	}

	var results []costResult
	if err := c.postForm(ctx, "/cost", form, &results); err != nil {
		return nil, err
	}

	var rates []Rate
	for _, r := range results {
		for _, svc := range r.Costs {
			if len(svc.Cost) == 0 {
				continue
			}
			rates = append(rates, Rate{
				Courier:     strings.ToUpper(r.Code),
				Service:     svc.Service,
				Description: svc.Description,
				Cost:        svc.Cost[0].Value,
				ETD:         svc.Cost[0].ETD,
			})
		}
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no services for route: %w", gateway.ErrNotFound)
	}
	return rates, nil
}
