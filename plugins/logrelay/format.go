package logrelay

import (
	"fmt"
	"slices"
	"strings"

	logx "relaybot/pkg/logx"
)

// formatRecord renders rec as "<logger> <LEVEL>: <message>" followed by one
// key=value line per field, sorted by key, with err and stack last.
func formatRecord(rec logx.Record) string {
	var b strings.Builder
	name := rec.Logger
	if name == "" {
		name = "root"
	}
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(rec.Level.String()))
	b.WriteString(": ")
	b.WriteString(rec.Message)

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fieldValue(rec.Fields[k]))
	}
	if rec.Err != "" {
		b.WriteString("\nerr=")
		b.WriteString(rec.Err)
	}
	if rec.Stack != "" {
		b.WriteString("\nstack=\n")
		b.WriteString(strings.TrimRight(rec.Stack, "\n"))
	}
	return b.String()
}

func fieldValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		return fmt.Sprint(t)
	}
}
