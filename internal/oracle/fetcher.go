package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/holiman/uint256"
	"github.com/tidwall/gjson"
)

// Fetcher retrieves a fresh quote.
type Fetcher interface {
	Fetch(ctx context.Context) (Quote, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (Quote, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Quote, error) {
	if f == nil {
		return Quote{}, nil
	}
	return f(ctx)
}

// HTTPFetcher reads a JSON document and extracts the gas price and rate.
//
// Paths beginning with "$" are JSONPath expressions; anything else is a gjson
// path such as "data.gas_price". An empty path leaves that value unset.
type HTTPFetcher struct {
	URL          string
	GasPricePath string
	RatePath     string
	Client       *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

const maxFetchBody = 1 << 20

func (f *HTTPFetcher) Fetch(ctx context.Context) (Quote, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return Quote{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fetch %s: status %d", f.URL, resp.StatusCode)
	}
	if !json.Valid(body) {
		return Quote{}, fmt.Errorf("fetch %s: response is not JSON", f.URL)
	}

	q := Quote{Source: f.URL, ObservedAt: time.Now().UTC()}
	if f.GasPricePath != "" {
		if q.GasPrice, err = extract(body, f.GasPricePath); err != nil {
			return Quote{}, fmt.Errorf("gas price: %w", err)
		}
	}
	if f.RatePath != "" {
		if q.WeiPerUnitLink, err = extract(body, f.RatePath); err != nil {
			return Quote{}, fmt.Errorf("rate: %w", err)
		}
	}
	return q, nil
}

func extract(body []byte, path string) (*uint256.Int, error) {
	var raw string
	if strings.HasPrefix(path, "$") {
		// UseNumber keeps wei amounts above 2^53 exact.
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var doc interface{}
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		v, err := jsonpath.Get(path, doc)
		if err != nil {
			return nil, fmt.Errorf("jsonpath %q: %w", path, err)
		}
		raw, err = scalarString(v)
		if err != nil {
			return nil, fmt.Errorf("jsonpath %q: %w", path, err)
		}
	} else {
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			return nil, fmt.Errorf("path %q not found", path)
		}
		raw = res.Raw
		if res.Type == gjson.String {
			raw = res.Str
		}
	}
	return parseAmount(raw)
}

func scalarString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return "", fmt.Errorf("%s is not an integer amount", t)
		}
		return t.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return uint256.FromHex(raw)
	}
	return uint256.FromDecimal(raw)
}
