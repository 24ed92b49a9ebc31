// Package response builds contextual responses: a result bundled with the
// normalised request parameters that produced it, so the payload is
// self-explanatory without the caller holding on to the request.
package response

import (
	"encoding/json"
	"maps"
	"strings"
)

// Pagination describes which slice of a larger result set a response holds.
type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Count  int `json:"count"`
	Total  int `json:"total"`

	// HasMore reports whether results exist past Offset+Count.
	HasMore bool `json:"has_more"`
}

// Metadata carries optional pagination and filter information.
type Metadata struct {
	Pagination *Pagination    `json:"pagination,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
}

// Response is the contextual envelope returned by every tool.
type Response[T any] struct {
	Request     map[string]any `json:"request"`
	Result      T              `json:"result"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
	RawResponse *Raw           `json:"raw_response,omitempty"`
}

// Raw holds the unmodified upstream payload. It encodes as Value, so a
// response built with IncludeRaw always carries a raw_response key, null
// when the tool had no upstream payload.
type Raw struct {
	Value any
}

// MarshalJSON encodes the wrapped payload.
func (r Raw) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value)
}

// Builder wraps results. With IncludeRaw set every response carries a
// raw_response field holding the payload passed with [WithRaw]; without it
// the field is omitted.
type Builder struct {
	IncludeRaw bool
}

// Option adds optional parts to a [Response].
type Option func(*parts)

type parts struct {
	meta Metadata
	raw  any
}

// WithPagination attaches pagination metadata.
func WithPagination(offset, limit, count, total int) Option {
	return func(p *parts) {
		p.meta.Pagination = &Pagination{
			Offset:  offset,
			Limit:   limit,
			Count:   count,
			Total:   total,
			HasMore: offset+count < total,
		}
	}
}

// WithFilters attaches the filters that were applied to the result.
// Empty maps are ignored.
func WithFilters(filters map[string]any) Option {
	return func(p *parts) {
		if len(filters) > 0 {
			p.meta.Filters = maps.Clone(filters)
		}
	}
}

// WithRaw attaches the raw upstream payload. It is dropped unless the
// builder's IncludeRaw flag is set.
func WithRaw(raw any) Option {
	return func(p *parts) { p.raw = raw }
}

// Wrap bundles result with the request parameters that produced it. The
// request map is echoed as given; callers normalise it first with
// [NormalizeParams]. A nil request is echoed as an empty object.
func Wrap[T any](b Builder, request map[string]any, result T, opts ...Option) Response[T] {
	var p parts
	for _, o := range opts {
		o(&p)
	}

	if request == nil {
		request = map[string]any{}
	}
	r := Response[T]{
		Request: request,
		Result:  result,
	}
	if p.meta.Pagination != nil || p.meta.Filters != nil {
		meta := p.meta
		r.Metadata = &meta
	}
	if b.IncludeRaw {
		r.RawResponse = &Raw{Value: p.raw}
	}
	return r
}

// NormalizeParams returns a copy of params with nil values and blank strings
// removed and the remaining strings trimmed.
func NormalizeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			out[k] = val
		default:
			out[k] = v
		}
	}
	return out
}
