package ref

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Extract рекурсивно собирает ссылки из декодированного JSON (map/slice/string).
// Ключи объектов тоже просматриваются: таблицы хранят по ним id узлов.
func Extract(v any) []Reference {
	var out []Reference
	walk(v, func(s string) { out = append(out, FindAll(s)...) })
	return out
}

// ExtractJSON: Extract для сырого JSON. Пустой payload ссылок не содержит.
func ExtractJSON(raw json.RawMessage) ([]Reference, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return Extract(v), nil
}

func walk(v any, visit func(string)) {
	switch x := v.(type) {
	case string:
		visit(x)
	case []any:
		for _, e := range x {
			walk(e, visit)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			visit(k)
			walk(x[k], visit)
		}
	}
}

// Unique убирает повторы, сохраняя порядок первого появления.
func Unique(refs []Reference) []Reference {
	seen := make(map[Reference]bool, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Closure: транзитивное замыкание по ссылкам, начиная с start. next отдаёт
// исходящие ссылки сущности (nil для неизвестной). Циклы допустимы.
func Closure(start []Key, next func(Key) []Reference) []Key {
	seen := map[Key]bool{}
	var out []Key
	queue := append([]Key(nil), start...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		for _, r := range next(k) {
			if !seen[r.Key()] {
				queue = append(queue, r.Key())
			}
		}
	}
	return out
}
