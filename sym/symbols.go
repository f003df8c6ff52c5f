// Package sym defines the glyphs Loom prints in CLI output and attaches to
// log lines. They are stable across the CLI, the API and the logs.
package sym

// Subsystem glyphs.
const (
	Pulse      = "꩜" // scheduler: ticks, runs, executions
	PulseOpen  = "✿" // scheduler startup
	PulseClose = "❀" // scheduler shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Query      = "⋈" // filter and query evaluation
	Action     = "⟶" // action invocation against a record
	Record     = "▤" // record store
)

// Schedule status glyphs used by `loom schedule ls`.
const (
	StatusActive    = "●"
	StatusPaused    = "◐"
	StatusCompleted = "✓"
	StatusDeleted   = "✗"
	StatusDraft     = "○"
)

var statusGlyphs = map[string]string{
	"active":    StatusActive,
	"paused":    StatusPaused,
	"completed": StatusCompleted,
	"deleted":   StatusDeleted,
	"draft":     StatusDraft,
}

// ForStatus returns the glyph for a schedule status, or "?" when unknown.
func ForStatus(status string) string {
	if g, ok := statusGlyphs[status]; ok {
		return g
	}
	return "?"
}
