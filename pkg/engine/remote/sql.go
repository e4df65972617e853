package remote

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/telemetryops/tslc/pkg/policy"
)

// Statement templates for the engine's lifecycle dialect. Specs that carry
// nested structure (policies, aggregates) travel as a JSON payload appended
// to the statement.
const (
	stmtPing = `SELECT 1`

	stmtCreateHypertable = `CREATE HYPERTABLE IF NOT EXISTS {{ .Name }} ` +
		`({{ range $i, $c := .Columns }}{{ if $i }}, {{ end }}{{ $c.Name }} {{ columnType $c.Type }}{{ end }}) ` +
		`TIME COLUMN {{ .TimeColumn }} CHUNK INTERVAL {{ squote (duration .ChunkInterval) }} RETURNING created`

	stmtShowHypertable  = `SHOW HYPERTABLE {{ .Name }}`
	stmtShowHypertables = `SHOW HYPERTABLES`

	stmtSetChunkInterval = `ALTER HYPERTABLE {{ .Table }} SET CHUNK INTERVAL {{ squote (duration .Interval) }} RETURNING changed`

	stmtSetCompressionPolicy  = `SET COMPRESSION POLICY ON {{ .Table }} PAYLOAD {{ .Payload }} RETURNING changed`
	stmtShowCompressionPolicy = `SHOW COMPRESSION POLICY ON {{ .Table }}`
	stmtSetRetentionPolicy    = `SET RETENTION POLICY ON {{ .Table }} PAYLOAD {{ .Payload }} RETURNING changed`
	stmtShowRetentionPolicy   = `SHOW RETENTION POLICY ON {{ .Table }}`

	stmtCreateIndex = `CREATE INDEX IF NOT EXISTS {{ .Name }} ON {{ .Table }} ({{ join ", " .Columns }})` +
		`{{ with .Predicate }} WHERE {{ . }}{{ end }} RETURNING created`
	stmtShowIndexes = `SHOW INDEXES ON {{ .Table }}`

	stmtCreateChunk = `CREATE CHUNK IF NOT EXISTS ON {{ .Table }} FROM {{ squote (timestamp .Start) }} TO {{ squote (timestamp .End) }}`
	stmtShowChunks  = `SHOW CHUNKS ON {{ .Table }}`
	stmtDropChunk   = `DROP CHUNK {{ .Chunk }} ON {{ .Table }} AT VERSION {{ .Version }}`

	stmtInsertRows = `INSERT INTO {{ .Table }} CHUNK {{ .Chunk }} FORMAT JSONEachRow`
	stmtScanChunk  = `SELECT * FROM {{ .Table }} CHUNK {{ .Chunk }}`
	stmtScanRange  = `SELECT * FROM {{ .Table }} WHERE {{ .TimeColumn }} >= {{ squote (timestamp .Start) }} ` +
		`AND {{ .TimeColumn }} < {{ squote (timestamp .End) }}` +
		`{{ range $col, $val := .Filter }} AND {{ $col }} = {{ literal $val }}{{ end }}`

	stmtCompressChunk = `COMPRESS CHUNK {{ .Chunk }} ON {{ .Table }} AT VERSION {{ .Version }} PAYLOAD {{ .Payload }}`

	stmtCreateAggregate = `CREATE AGGREGATE IF NOT EXISTS {{ .Name }} ON {{ .Table }} PAYLOAD {{ .Payload }} RETURNING created`
	stmtShowAggregate   = `SHOW AGGREGATE {{ .Name }}`
	stmtShowAggregates  = `SHOW AGGREGATES ON {{ .Table }}`

	stmtMaterialize    = `MATERIALIZE {{ .Name }} FROM {{ squote (timestamp .Start) }} TO {{ squote (timestamp .End) }}`
	stmtQueryAggregate = `SELECT * FROM AGGREGATE {{ .Name }} FROM {{ squote (timestamp .Start) }} TO {{ squote (timestamp .End) }}`

	stmtShowStats   = `SHOW STATS ON {{ .Table }}`
	stmtShowStorage = `SHOW STORAGE`
)

var columnTypes = map[policy.ColumnType]string{
	policy.ColumnTimestamp: "TIMESTAMPTZ",
	policy.ColumnInt:       "BIGINT",
	policy.ColumnFloat:     "DOUBLE PRECISION",
	policy.ColumnString:    "TEXT",
	policy.ColumnBool:      "BOOLEAN",
}

var stmtFuncs = template.FuncMap{
	"columnType": func(t policy.ColumnType) string { return columnTypes[t] },
	"duration":   func(d time.Duration) string { return d.String() },
	"timestamp":  func(ts time.Time) string { return ts.UTC().Format(time.RFC3339Nano) },
	"literal":    sqlLiteral,
}

// render expands a statement template
func render(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Funcs(stmtFuncs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s statement: %w", name, err)
	}

	return buf.String(), nil
}

// sqlLiteral renders a canonical value as a statement literal
func sqlLiteral(v any) string {
	switch tv := v.(type) {
	case nil:
		return "NULL"
	case string:
		return fmt.Sprintf("'%s'", tv)
	case time.Time:
		return fmt.Sprintf("'%s'", tv.UTC().Format(time.RFC3339Nano))
	default:
		return fmt.Sprintf("%v", tv)
	}
}
