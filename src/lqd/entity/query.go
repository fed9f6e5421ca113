package entity

import "fmt"

// QueryKind identifies one upstream language-server query type.
type QueryKind string

const (
	QueryHover            QueryKind = "hover"
	QueryDefinition       QueryKind = "definition"
	QueryReferences       QueryKind = "references"
	QueryDocumentSymbols  QueryKind = "documentSymbols"
	QueryWorkspaceSymbols QueryKind = "workspaceSymbols"
)

// QueryKey identifies one memoizable upstream query. Version is the document
// version of File at dispatch time; results keyed to an older version are
// invalid. Workspace-wide queries leave File empty and carry the search text
// in Extra.
type QueryKey struct {
	Kind    QueryKind
	File    string
	Line    uint32
	Column  uint32
	Version int32
	Extra   string
}

// String returns a stable cache-key encoding.
func (k QueryKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%s", k.Kind, k.File, k.Line, k.Column, k.Version, k.Extra)
}

// SymbolParams are the parameters of symbol_docs, symbol_impl and
// symbol_references. Line is 1-based.
type SymbolParams struct {
	File   string `json:"file"`
	Line   uint32 `json:"line"`
	Symbol string `json:"symbol"`
}

// ResolveParams are the parameters of symbol_resolve.
type ResolveParams struct {
	File   string `json:"file"`
	Symbol string `json:"symbol"`
}
