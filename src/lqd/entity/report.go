// Package entity contains the domain types for the language-query daemon.
package entity

// SymbolKind classifies a symbol from its hover signature. Classification is
// heuristic; KindGeneric is the fallback when no rule matches.
type SymbolKind string

const (
	// KindRecord covers structs, records and enums.
	KindRecord SymbolKind = "record"
	// KindInterface covers traits, interfaces and protocols.
	KindInterface SymbolKind = "interface"
	// KindFunction covers free functions and methods.
	KindFunction SymbolKind = "function"
	// KindModule covers modules, packages and namespaces.
	KindModule SymbolKind = "module"
	// KindGeneric is the fallback report shape.
	KindGeneric SymbolKind = "symbol"
)

// Location is a workspace-relative source location. Line and Column are
// 1-based on the wire.
type Location struct {
	Path   string `json:"path"`
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

// Reference is one use site of a symbol, with the trimmed source line for
// context.
type Reference struct {
	Location Location `json:"location"`
	Context  string   `json:"context,omitempty"`
	IsTest   bool     `json:"isTest,omitempty"`
}

// ReferencesSection lists references capped at the configured maximum. When
// truncated, Total still carries the true count.
type ReferencesSection struct {
	Items     []Reference `json:"items"`
	Total     int         `json:"total"`
	Truncated bool        `json:"truncated,omitempty"`
}

// Note records a sub-query that failed while the rest of the report was still
// assembled.
type Note struct {
	Section string `json:"section"`
	Message string `json:"message"`
}

// SymbolEntry is one symbol from a document or workspace listing.
type SymbolEntry struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Location Location `json:"location"`
}

// RecordDetail is the kind-specific body for records and structs.
type RecordDetail struct {
	Fields          []string   `json:"fields,omitempty"`
	Implementations []Location `json:"implementations"`
}

// InterfaceDetail is the kind-specific body for traits and interfaces.
type InterfaceDetail struct {
	Methods      []string   `json:"methods,omitempty"`
	Implementors []Location `json:"implementors"`
}

// FunctionDetail is the kind-specific body for functions.
type FunctionDetail struct {
	CallSites      []Reference `json:"callSites"`
	TestReferences []Reference `json:"testReferences"`
}

// ModuleDetail is the kind-specific body for modules.
type ModuleDetail struct {
	PublicAPI []SymbolEntry `json:"publicApi"`
	Internal  []SymbolEntry `json:"internal"`
}

// SymbolReport is the aggregated answer for one symbol. Exactly one of the
// kind-specific bodies is populated, matching Kind; all bodies are nil for
// KindGeneric. Built fresh per query, never persisted.
type SymbolReport struct {
	Name          string            `json:"name"`
	Kind          SymbolKind        `json:"kind"`
	Definition    *Location         `json:"definition,omitempty"`
	Documentation string            `json:"documentation,omitempty"`
	Excerpt       string            `json:"excerpt,omitempty"`
	Record        *RecordDetail     `json:"record,omitempty"`
	Interface     *InterfaceDetail  `json:"interface,omitempty"`
	Function      *FunctionDetail   `json:"function,omitempty"`
	Module        *ModuleDetail     `json:"module,omitempty"`
	References    ReferencesSection `json:"references"`
	Notes         []Note            `json:"notes,omitempty"`
}

// Candidate is one ranked fuzzy-resolution candidate.
type Candidate struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind,omitempty"`
	Location Location `json:"location"`
}

// ResolveResult is the outcome of fuzzy symbol resolution. Match is nil when
// no candidate ranked as a usable match; Candidates are ordered best-first.
type ResolveResult struct {
	Name       string       `json:"name"`
	Match      *SymbolEntry `json:"match,omitempty"`
	Candidates []Candidate  `json:"candidates,omitempty"`
}
