package payment

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// encodeForm flattens nested maps and lists into bracketed form keys
// (key[sub][0]=value) and joins the URL-escaped pairs with '&'. Map keys are
// emitted in sorted order so the output is stable, though receivers must not
// depend on pair order.
func encodeForm(data map[string]any) string {
	return strings.Join(appendFormPairs(nil, "", data), "&")
}

func appendFormPairs(pairs []string, prefix string, value any) []string {
	switch v := value.(type) {
	case nil:
		return pairs
	case map[string]any:
		for _, k := range sortedKeys(v) {
			pairs = appendFormPairs(pairs, formKey(prefix, k), v[k])
		}
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pairs = appendFormPairs(pairs, formKey(prefix, k), v[k])
		}
	case []any:
		for i, item := range v {
			pairs = appendFormPairs(pairs, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	case []map[string]any:
		for i, item := range v {
			pairs = appendFormPairs(pairs, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range v {
			pairs = appendFormPairs(pairs, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		pairs = append(pairs, url.QueryEscape(prefix)+"="+url.QueryEscape(formScalar(v)))
	}
	return pairs
}

func formKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}

func formScalar(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case decimal.Decimal:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
