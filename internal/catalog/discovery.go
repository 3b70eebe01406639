package catalog

import "context"

// StaticDiscovery reports a fixed set of models, typically seeded from
// configuration. Static models are always "seen", so they never age
// out of the catalog.
type StaticDiscovery struct {
	models []Model
}

// NewStaticDiscovery builds a discovery over a fixed model list.
func NewStaticDiscovery(models []Model) *StaticDiscovery {
	return &StaticDiscovery{models: models}
}

func (s *StaticDiscovery) Name() string { return "static" }

func (s *StaticDiscovery) Discover(_ context.Context) ([]Model, error) {
	out := make([]Model, len(s.models))
	copy(out, s.models)
	return out, nil
}
