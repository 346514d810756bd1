package proxy

import (
	"encoding/json"
	"sort"
	"strings"
)

// Origin maps an internal URL prefix to the prefix clients should see.
type Origin struct {
	Internal string
	Public   string
}

// LocationRewriter replaces internal origins with their public
// counterparts. A prefix only matches on a boundary, so
// http://hydra:4444 does not match http://hydra:44440/.
type LocationRewriter struct {
	origins []Origin
}

// NewLocationRewriter creates a rewriter for origins. Trailing slashes are
// ignored and the longest internal prefix wins.
func NewLocationRewriter(origins ...Origin) *LocationRewriter {
	out := make([]Origin, 0, len(origins))

	for _, o := range origins {
		internal := strings.TrimRight(o.Internal, "/")
		if internal == "" {
			continue
		}

		out = append(out, Origin{
			Internal: internal,
			Public:   strings.TrimRight(o.Public, "/"),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Internal) > len(out[j].Internal)
	})

	return &LocationRewriter{origins: out}
}

// Rewrite returns loc with a matching internal prefix replaced. Path,
// query and fragment are kept. Values with no matching prefix, including
// relative references, are returned unchanged.
func (lr *LocationRewriter) Rewrite(loc string) string {
	if lr == nil {
		return loc
	}

	for _, o := range lr.origins {
		if !strings.HasPrefix(loc, o.Internal) {
			continue
		}

		rest := loc[len(o.Internal):]
		if rest != "" && !strings.ContainsRune("/?#", rune(rest[0])) {
			continue
		}

		return o.Public + rest
	}

	return loc
}

// RewriteDiscovery rewrites every string value in an OpenID discovery
// document that starts with an internal origin. When issuer is non-empty
// it replaces the document's issuer.
func (lr *LocationRewriter) RewriteDiscovery(body []byte, issuer string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	for k, v := range doc {
		doc[k] = lr.rewriteValue(v)
	}

	if issuer != "" {
		doc["issuer"] = issuer
	}

	return json.Marshal(doc)
}

func (lr *LocationRewriter) rewriteValue(v any) any {
	switch t := v.(type) {
	case string:
		return lr.Rewrite(t)
	case []any:
		for i := range t {
			t[i] = lr.rewriteValue(t[i])
		}

		return t
	case map[string]any:
		for k := range t {
			t[k] = lr.rewriteValue(t[k])
		}

		return t
	default:
		return v
	}
}
