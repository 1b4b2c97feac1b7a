// Package schema maps logical field names to physical column positions in an
// externally-edited tabular store. The header row is configuration, not code:
// humans rename, reorder and translate it, so matching is fuzzy and a miss
// degrades to a positional default instead of failing.
package schema

import (
	"strings"

	"github.com/rs/zerolog"
)

// Field describes one logical field. Candidates are ordered substrings tried
// case-insensitively against the header row; Fallback is the column index used
// when no header matches.
type Field struct {
	Name       string
	Candidates []string
	Fallback   int
}

// Mapping is the resolved logicalName -> columnIndex table, rebuilt on every
// schema read. It feeds both the row-decoding read path and the Ledger's
// commit write path.
type Mapping map[string]int

// Resolver resolves columns and logs degraded matches.
type Resolver struct {
	log zerolog.Logger
}

// NewResolver creates a Resolver. The logger carries warning signals for
// operators when headers stop matching.
func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{log: log}
}

// ResolveColumns maps each field to the first header containing one of its
// candidate substrings, case-insensitively, in header order. A field with no
// matching header silently falls back to its positional default; availability
// wins over strict schema validation here, which is a deliberate, known risk.
func (r *Resolver) ResolveColumns(headerRow []string, fields []Field) Mapping {
	headers := make([]string, len(headerRow))
	for i, h := range headerRow {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	mapping := make(Mapping, len(fields))
	for _, field := range fields {
		idx, ok := matchField(headers, field)
		if !ok {
			idx = field.Fallback
			r.log.Warn().
				Str("field", field.Name).
				Int("fallback_column", idx).
				Msg("no header matched, using positional default")
		}
		mapping[field.Name] = idx
	}
	return mapping
}

func matchField(headers []string, field Field) (int, bool) {
	for _, candidate := range field.Candidates {
		candidate = strings.ToLower(candidate)
		// First matching header in header order wins ties
		for i, header := range headers {
			if header != "" && strings.Contains(header, candidate) {
				return i, true
			}
		}
	}
	return 0, false
}

// TaskFields is the default field table for the task sheet, with English and
// Spanish header candidates collected from sheets in the wild.
func TaskFields() []Field {
	return []Field{
		// "id" goes last: as a bare substring it would match "Prioridad" first
		{Name: "id", Candidates: []string{"clave", "key", "id"}, Fallback: 0},
		{Name: "title", Candidates: []string{"title", "titulo", "título", "tarea", "task", "name", "nombre"}, Fallback: 1},
		{Name: "priority", Candidates: []string{"priority", "prioridad", "prio"}, Fallback: 2},
		{Name: "assignee", Candidates: []string{"assignee", "assigned", "responsable", "asignado", "owner"}, Fallback: 3},
		{Name: "status", Candidates: []string{"status", "estado", "state"}, Fallback: 4},
		{Name: "due", Candidates: []string{"due", "deadline", "fecha", "vencimiento"}, Fallback: 5},
		{Name: "notes", Candidates: []string{"notes", "notas", "comment", "comentario", "description", "descripcion", "descripción"}, Fallback: 6},
	}
}
