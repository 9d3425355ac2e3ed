// Package terminology fronts the WHO ICD-11 search API with a read-through
// cache, serving both the biomedicine (MMS) and traditional medicine (TM2)
// modules.
package terminology

// Search result provenance.
const (
	SourceCache  = "CACHE"
	SourceWHOMMS = "WHO_MMS"
	SourceWHOTM2 = "WHO_TM2"
)

// Supported ICD-11 linearization modules.
const (
	ModuleMMS = "MMS"
	ModuleTM2 = "TM2"
)

// Concept is one normalized ICD-11 entity.
type Concept struct {
	Code       string `json:"code"`
	Title      string `json:"title"`
	Definition string `json:"definition,omitempty"`
}

// SearchResult is the terminology search response.
type SearchResult struct {
	Query   string    `json:"query"`
	Module  string    `json:"module"`
	Source  string    `json:"source"`
	Results []Concept `json:"results"`
}
