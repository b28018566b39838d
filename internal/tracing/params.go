package tracing

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Keys of the persisted parameter map. Trace readers depend on them.
const (
	ParamBatchEndpoints         = "batch_endpoints"
	ParamConsistencyLevel       = "consistency_level"
	ParamSerialConsistencyLevel = "serial_consistency_level"
	ParamPageSize               = "page_size"
	ParamQuery                  = "query"
	ParamUserTimestamp          = "user_timestamp"
)

// optional holds a value that may be unset. Unset is distinct from the
// zero value.
type optional[T any] struct {
	val T
	ok  bool
}

func (o *optional[T]) set(v T) {
	o.val = v
	o.ok = true
}

func (o optional[T]) get() (T, bool) {
	return o.val, o.ok
}

// paramValues holds the optional descriptive fields of one query. A session
// allocates it on the first setter call.
type paramValues struct {
	batchlogEndpoints optional[[]netip.Addr]
	userTimestamp     optional[int64]
	queries           []string
	cl                optional[ConsistencyLevel]
	serialCL          optional[ConsistencyLevel]
	pageSize          optional[int32]
}

// build materializes the captured values into a fresh parameter map.
func (pv *paramValues) build() (map[string]string, error) {
	m := make(map[string]string)

	if eps, ok := pv.batchlogEndpoints.get(); ok {
		formatted, err := formatEndpoints(eps)
		if err != nil {
			return nil, err
		}
		m[ParamBatchEndpoints] = formatted
	}

	if cl, ok := pv.cl.get(); ok {
		name, err := cl.Format()
		if err != nil {
			return nil, fmt.Errorf("consistency level: %w", err)
		}
		m[ParamConsistencyLevel] = name
	}

	if cl, ok := pv.serialCL.get(); ok {
		name, err := cl.Format()
		if err != nil {
			return nil, fmt.Errorf("serial consistency level: %w", err)
		}
		m[ParamSerialConsistencyLevel] = name
	}

	if ps, ok := pv.pageSize.get(); ok {
		m[ParamPageSize] = strconv.FormatInt(int64(ps), 10)
	}

	switch len(pv.queries) {
	case 0:
	case 1:
		m[ParamQuery] = pv.queries[0]
	default:
		// BATCH
		for i, q := range pv.queries {
			m[fmt.Sprintf("%s[%d]", ParamQuery, i)] = q
		}
	}

	if ts, ok := pv.userTimestamp.get(); ok {
		m[ParamUserTimestamp] = strconv.FormatInt(ts, 10)
	}

	return m, nil
}

func formatEndpoints(eps []netip.Addr) (string, error) {
	parts := make([]string, 0, len(eps))
	for _, ep := range eps {
		if !ep.IsValid() {
			return "", fmt.Errorf("invalid batchlog endpoint address")
		}
		parts = append(parts, "/"+ep.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ","), nil
}

// dedupEndpoints copies eps into a set, preserving first occurrence order.
func dedupEndpoints(eps []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]struct{}, len(eps))
	out := make([]netip.Addr, 0, len(eps))
	for _, ep := range eps {
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
