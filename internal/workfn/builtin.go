package workfn

import (
	"encoding/json"
	"strings"
)

// Names of the built-in word count functions.
const (
	WordCountMap     = "wordcount.map"
	WordCountReduce  = "wordcount.reduce"
	WordCountCollect = "wordcount.collect"
)

// WordCount returns the map, reduce and collect definitions of the word
// count job: split each value on whitespace, emit (word, 1), and sum.
func WordCount() []Definition {
	return []Definition{
		{Name: WordCountMap, Version: 1, Role: RoleMap, Map: splitWords},
		{Name: WordCountReduce, Version: 1, Role: RoleReduce, Reduce: sumValues},
		{Name: WordCountCollect, Version: 1, Role: RoleCollect, Reduce: sumValues},
	}
}

// Builtins returns a registry holding every built-in function.
func Builtins() *Registry {
	r := NewRegistry()
	for _, d := range WordCount() {
		// names are fixed and unique
		_ = r.Register(d)
	}
	return r
}

func splitWords(_, value string) []KeyValue {
	words := strings.Fields(value)
	out := make([]KeyValue, 0, len(words))
	for _, w := range words {
		out = append(out, KeyValue{Key: w, Value: 1})
	}
	return out
}

// sumValues adds up the counts emitted for a key. Every Go integer and
// float type is accepted, as is json.Number for values that were decoded
// with UseNumber. Floats are truncated. Anything else, including a
// json.Number that is not numeric, counts as zero.
func sumValues(_ string, values []any) any {
	total := 0
	for _, v := range values {
		total += toInt(v)
	}
	return total
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	}
	return 0
}
