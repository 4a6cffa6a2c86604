package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// maxFetchPages caps pagination depth on a single fetch so a provider
// with tens of thousands of records cannot turn one cache miss into an
// unbounded crawl.
const maxFetchPages = 10

// HTTPSource implements ContentSource against an Open5e-style paginated
// JSON API ({"results": [...], "next": "<url>"}).
//
// Requests pass through a token-bucket rate limiter shared by all entity
// types of the provider, so fallback fetches stay below the provider's
// published limits even when several cache slices miss at once.
type HTTPSource struct {
	cfg     ProviderConfig
	client  *http.Client
	limiter *rate.Limiter
}

// ClientOptions tunes the HTTP behavior of an HTTPSource.
type ClientOptions struct {
	Timeout       time.Duration // per-request timeout (default: 20s)
	RatePerSecond float64       // token refill rate (default: 4)
	Burst         int           // token bucket size (default: 8)
}

// NewHTTPSource creates a rate-limited client for one provider.
func NewHTTPSource(cfg ProviderConfig, opts ClientOptions) *HTTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 4
	}
	if opts.Burst <= 0 {
		opts.Burst = 8
	}

	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

// Name identifies the provider.
func (s *HTTPSource) Name() string {
	return s.cfg.Name
}

// listResponse is the provider's paginated envelope.
type listResponse struct {
	Results []RawRecord `json:"results"`
	Next    *string     `json:"next"`
}

// Fetch retrieves records for entityType, following pagination up to
// maxFetchPages. Provider failures wrap ErrFetchFailed so callers can
// tell "upstream broke" apart from "upstream has nothing".
func (s *HTTPSource) Fetch(ctx context.Context, entityType types.EntityType, filters storage.Filters) ([]RawRecord, error) {
	endpoint, ok := s.cfg.Endpoints[string(entityType)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q does not serve %q", ErrNoSource, s.cfg.Name, entityType)
	}

	params := s.translateFilters(entityType, filters)

	pageURL := strings.TrimRight(s.cfg.BaseURL, "/") + endpoint
	if encoded := params.Encode(); encoded != "" {
		pageURL += "?" + encoded
	}

	var records []RawRecord
	for page := 0; page < maxFetchPages && pageURL != ""; page++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrFetchFailed, err)
		}

		next, pageRecords, err := s.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		records = append(records, pageRecords...)
		pageURL = next
	}

	return records, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, pageURL string) (next string, records []RawRecord, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to create request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, s.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", nil, fmt.Errorf("%w: %s returned status %d: %s", ErrFetchFailed, s.cfg.Name, resp.StatusCode, string(body))
	}

	var envelope listResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", nil, fmt.Errorf("%w: failed to decode %s response: %v", ErrFetchFailed, s.cfg.Name, err)
	}

	if envelope.Next != nil {
		next = *envelope.Next
	}
	return next, envelope.Results, nil
}

// translateFilters maps the cache's filter vocabulary onto the
// provider's query parameters using the configured per-type mapping.
// Unmapped filters are skipped: the fetch then over-selects and the
// store's own predicate evaluation narrows the result after the
// write-through.
func (s *HTTPSource) translateFilters(entityType types.EntityType, filters storage.Filters) url.Values {
	params := url.Values{}

	mapping := s.cfg.Params[string(entityType)]
	if mapping == nil {
		return params
	}

	for _, name := range filters.SortedNames() {
		fv := filters[name]
		switch fv.Kind {
		case storage.FilterExact:
			if param, ok := mapping[name]; ok {
				params.Set(param, formatValue(fv.Value))
			}
		case storage.FilterRange:
			if fv.Min != nil {
				if param, ok := mapping[name+"_min"]; ok {
					params.Set(param, formatValue(fv.Min))
				}
			}
			if fv.Max != nil {
				if param, ok := mapping[name+"_max"]; ok {
					params.Set(param, formatValue(fv.Max))
				}
			}
		case storage.FilterInSet:
			// A set goes upstream only through an explicit __in-style
			// mapping ("<name>_in"). Feeding a comma list to an
			// exact-match parameter would match nothing, so without
			// that mapping the set stays local and the store narrows
			// after the write-through.
			if param, ok := mapping[name+"_in"]; ok {
				values := make([]string, len(fv.Set))
				for i, v := range fv.Set {
					values[i] = formatValue(v)
				}
				params.Set(param, strings.Join(values, ","))
			}
		}
	}

	return params
}

func formatValue(v interface{}) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		// Render integral floats without the trailing ".0" JSON decoding gives them.
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

var _ ContentSource = (*HTTPSource)(nil)
