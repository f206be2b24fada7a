package pg

import (
	_ "embed"
	"strings"
)

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

const sectionMarker = "-- name: "

// DDL возвращает карту имя-секции -> SQL для драйвера. Ключи задают порядок
// применения: сначала таблицы, потом внешние ключи.
func DDL(d Driver) map[string]string {
	src := sqliteSchema
	if d == DriverPostgres {
		src = postgresSchema
	}
	return splitSections(src)
}

func splitSections(src string) map[string]string {
	out := map[string]string{}
	var name string
	var sb strings.Builder
	flush := func() {
		if name != "" {
			out[name] = strings.TrimSpace(sb.String())
		}
		sb.Reset()
	}
	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(line, sectionMarker) {
			flush()
			name = strings.TrimSpace(strings.TrimPrefix(line, sectionMarker))
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	flush()
	return out
}
