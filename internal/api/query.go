package api

import (
	"net/url"
	"strconv"
	"strings"
)

// ==== Параметры листинга ====

type ListParams struct {
	Limit  int
	Offset int
	// Codes: фильтр отчёта целостности (?code=a,b или ?code=a&code=b)
	Codes map[string]bool
}

func parseListParams(q url.Values) ListParams {
	// limit
	limit := 100
	lv := q.Get("_limit")
	if lv == "" {
		lv = q.Get("limit")
	}
	if lv != "" {
		if n, err := strconv.Atoi(lv); err == nil && n >= 0 && n <= 1000 {
			limit = n
		}
	}

	// offset
	offset := 0
	ov := q.Get("_offset")
	if ov == "" {
		ov = q.Get("offset")
	}
	if ov != "" {
		if n, err := strconv.Atoi(ov); err == nil && n >= 0 {
			offset = n
		}
	}

	var codes map[string]bool
	for _, v := range q["code"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				if codes == nil {
					codes = map[string]bool{}
				}
				codes[c] = true
			}
		}
	}
	return ListParams{Limit: limit, Offset: offset, Codes: codes}
}

// page вырезает окно [offset, offset+limit).
func page[T any](items []T, p ListParams) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}
