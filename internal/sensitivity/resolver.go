package sensitivity

// DefaultCoefficient applies to tables absent from the registry.
const DefaultCoefficient = 1.0

// TableMatch is the per-table contribution to a resolution.
type TableMatch struct {
	Name        string  `json:"name"`
	Level       int     `json:"level"`
	Coefficient float64 `json:"coefficient"`
	Registered  bool    `json:"registered"`
}

// Resolution is the aggregate sensitivity of one statement.
type Resolution struct {
	// Coefficient is the sum of per-table coefficients, unbounded.
	Coefficient float64      `json:"coefficient"`
	MaxLevel    int          `json:"maxLevel"`
	Tables      []TableMatch `json:"tables"`
}

// Sensitive returns the names of registered tables in the resolution.
func (r Resolution) Sensitive() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Registered {
			out = append(out, t.Name)
		}
	}
	return out
}

// Resolve sums the coefficients of the distinct tables in tables. Names are
// normalized and deduplicated in first-seen order; empty names are skipped.
func (s *Snapshot) Resolve(tables []string) Resolution {
	res := Resolution{Tables: make([]TableMatch, 0, len(tables))}
	seen := make(map[string]bool, len(tables))

	for _, raw := range tables {
		name := NormalizeName(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		m := TableMatch{Name: name, Coefficient: DefaultCoefficient}
		if e, ok := s.Lookup(name); ok {
			m.Level = e.SensitivityLevel
			m.Coefficient = e.Coefficient
			m.Registered = true
		}
		if m.Level > res.MaxLevel {
			res.MaxLevel = m.Level
		}
		res.Coefficient += m.Coefficient
		res.Tables = append(res.Tables, m)
	}
	return res
}

// Resolve resolves tables against the current snapshot.
func (r *Registry) Resolve(tables []string) Resolution {
	return r.Snapshot().Resolve(tables)
}
