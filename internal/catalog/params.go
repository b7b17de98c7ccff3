package catalog

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pineappletours/tourcache/internal/rezdy"
)

const (
	DefaultLimit = 100
	MaxLimit     = 100
)

// Page is a normalised pagination window.
type Page struct {
	Limit  int
	Offset int
}

// NormalizePage clamps limit to 1..MaxLimit (zero or negative means DefaultLimit) and
// offset to zero or more.
func NormalizePage(limit, offset int) Page {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}

func (p Page) params() map[string]any {
	return map[string]any{"limit": p.Limit, "offset": p.Offset}
}

func codeParams(code string) map[string]any {
	return map[string]any{"productCode": code}
}

func categoryParams(id int64, page Page) map[string]any {
	params := page.params()
	params["categoryId"] = id
	return params
}

func availabilityParams(q rezdy.AvailabilityQuery) map[string]any {
	return map[string]any{"productCode": q.ProductCode, "start": q.Start, "end": q.End}
}

func requireCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: productCode required", ErrInvalidParams)
	}
	return code, nil
}

func normalizeAvailability(q rezdy.AvailabilityQuery) (rezdy.AvailabilityQuery, error) {
	q.ProductCode = strings.TrimSpace(q.ProductCode)
	q.Start = strings.TrimSpace(q.Start)
	q.End = strings.TrimSpace(q.End)
	if q.ProductCode == "" || q.Start == "" || q.End == "" {
		return q, fmt.Errorf("%w: productCode, start and end required", ErrInvalidParams)
	}
	return q, nil
}

// params reads warm manifest parameters, which arrive as whatever the manifest parser
// produced: int from YAML, int64 from TOML, float64 from JSON.
type params map[string]any

func (p params) string(name string) string {
	switch v := p[name].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (p params) int(name string, def int) (int, error) {
	switch v := p[name].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be a whole number", ErrInvalidParams, name)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q is not a number", ErrInvalidParams, name, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidParams, name, v)
	}
}

func (p params) page() (Page, error) {
	limit, err := p.int("limit", DefaultLimit)
	if err != nil {
		return Page{}, err
	}
	offset, err := p.int("offset", 0)
	if err != nil {
		return Page{}, err
	}
	return NormalizePage(limit, offset), nil
}
