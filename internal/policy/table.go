// table.go loads and validates the task routing table. The table is the
// operator's statement of which models serve which task and under what
// quality, latency, and cost thresholds.
package policy

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"

	"llmrouter/internal/domain"
)

// Thresholds bound what a candidate may cost in quality, time, and
// money for one task.
type Thresholds struct {
	MinQuality   float64 `toml:"min_quality" json:"minQuality"`
	MaxLatencyMs int64   `toml:"max_latency_ms" json:"maxLatencyMs"`
	MaxCostPer1K float64 `toml:"max_cost_per_1k" json:"maxCostPer1K"`
}

// MaxLatency returns the latency bound as a duration.
func (t Thresholds) MaxLatency() time.Duration {
	return time.Duration(t.MaxLatencyMs) * time.Millisecond
}

// TaskRoute is one row of the routing table.
type TaskRoute struct {
	Primary    []string `toml:"primary" json:"primary"`
	Fallback   []string `toml:"fallback" json:"fallback"`
	Thresholds Thresholds
}

// routeDoc is the TOML shape of one row; thresholds are inline.
type routeDoc struct {
	Primary      []string `toml:"primary" json:"primary"`
	Fallback     []string `toml:"fallback" json:"fallback"`
	MinQuality   float64  `toml:"min_quality" json:"min_quality"`
	MaxLatencyMs int64    `toml:"max_latency_ms" json:"max_latency_ms"`
	MaxCostPer1K float64  `toml:"max_cost_per_1k" json:"max_cost_per_1k"`
}

type tableDoc struct {
	Tasks map[string]routeDoc `toml:"tasks" json:"tasks"`
}

// Table maps task types to routes. Immutable after load.
type Table struct {
	routes map[domain.TaskType]TaskRoute
}

// tableSchema is validated against the decoded document before any row
// is accepted.
const tableSchema = `{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"required": ["primary"],
				"properties": {
					"primary": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"fallback": {"type": "array", "items": {"type": "string"}},
					"min_quality": {"type": "number", "minimum": 0, "maximum": 1},
					"max_latency_ms": {"type": "integer", "minimum": 0},
					"max_cost_per_1k": {"type": "number", "minimum": 0}
				}
			}
		}
	}
}`

// LoadTable reads and validates the routing table file.
func LoadTable(path string) (*Table, error) {
	var doc tableDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("parsing routing table %s: %w", path, err)
	}
	return buildTable(doc)
}

// ParseTable builds a table from in-memory TOML, used by tests and
// embedded defaults.
func ParseTable(data string) (*Table, error) {
	var doc tableDoc
	if _, err := toml.Decode(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing routing table: %w", err)
	}
	return buildTable(doc)
}

func buildTable(doc tableDoc) (*Table, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(tableSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("validating routing table: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("routing table invalid: %v", result.Errors())
	}

	routes := make(map[domain.TaskType]TaskRoute, len(doc.Tasks))
	for name, row := range doc.Tasks {
		task, ok := domain.ParseTaskType(name)
		if !ok {
			return nil, fmt.Errorf("routing table: unknown task type %q", name)
		}
		routes[task] = TaskRoute{
			Primary:  row.Primary,
			Fallback: row.Fallback,
			Thresholds: Thresholds{
				MinQuality:   row.MinQuality,
				MaxLatencyMs: row.MaxLatencyMs,
				MaxCostPer1K: row.MaxCostPer1K,
			},
		}
	}
	if _, ok := routes[domain.TaskGeneral]; !ok {
		return nil, fmt.Errorf("routing table: a general task row is required")
	}
	return &Table{routes: routes}, nil
}

// Route returns the row for task, falling back to the general row.
func (t *Table) Route(task domain.TaskType) TaskRoute {
	if r, ok := t.routes[task]; ok {
		return r
	}
	return t.routes[domain.TaskGeneral]
}

// Tasks lists the task types with explicit rows.
func (t *Table) Tasks() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(t.routes))
	for task := range t.routes {
		out = append(out, task)
	}
	return out
}
