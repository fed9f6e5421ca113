// Package mapper contains pure mapping helpers between LSP protocol shapes
// and report entities.
package mapper

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/akesson/language-query/src/lqd/entity"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// HoverToText flattens hover contents into one markdown string.
func HoverToText(hover *protocol.Hover) string {
	if hover == nil {
		return ""
	}
	return strings.TrimSpace(hover.Contents.Value)
}

// HoverSignature extracts the signature line from hover markdown: the content
// of the first fenced code block, falling back to the first non-empty line.
func HoverSignature(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
			if end := strings.Index(rest, "```"); end >= 0 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// LocationFromProtocol converts an LSP location to a workspace-relative
// 1-based entity location.
func LocationFromProtocol(workspaceRoot string, loc protocol.Location) entity.Location {
	path := loc.URI.Filename()
	if rel, err := filepath.Rel(workspaceRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
		path = rel
	}
	return entity.Location{
		Path:   path,
		Line:   loc.Range.Start.Line + 1,
		Column: loc.Range.Start.Character + 1,
	}
}

// PositionFor locates the column of symbol on the given 1-based line of text,
// scanning up to two adjacent lines when the exact line does not contain it.
// The returned position is 0-based, as the protocol expects.
func PositionFor(text string, line uint32, symbol string) (protocol.Position, error) {
	lines := strings.Split(text, "\n")
	index := int(line) - 1
	if index < 0 || index >= len(lines) {
		return protocol.Position{}, fmt.Errorf("line %d is out of bounds (file has %d lines)", line, len(lines))
	}

	if col := strings.Index(lines[index], symbol); col >= 0 {
		return protocol.Position{Line: uint32(index), Character: uint32(col)}, nil
	}

	for offset := 1; offset <= 2; offset++ {
		if check := index - offset; check >= 0 {
			if col := strings.Index(lines[check], symbol); col >= 0 {
				return protocol.Position{Line: uint32(check), Character: uint32(col)}, nil
			}
		}
		if check := index + offset; check < len(lines) {
			if col := strings.Index(lines[check], symbol); col >= 0 {
				return protocol.Position{Line: uint32(check), Character: uint32(col)}, nil
			}
		}
	}

	return protocol.Position{}, fmt.Errorf("symbol %q not found near line %d", symbol, line)
}

// SymbolInformationToEntry converts a workspace symbol result entry.
func SymbolInformationToEntry(workspaceRoot string, info protocol.SymbolInformation) entity.SymbolEntry {
	return entity.SymbolEntry{
		Name:     info.Name,
		Kind:     symbolKindName(info.Kind),
		Location: LocationFromProtocol(workspaceRoot, info.Location),
	}
}

// DocumentSymbolsToEntries converts a textDocument/documentSymbol result,
// which may be either flat SymbolInformation values or a DocumentSymbol tree,
// into a flat entry list.
func DocumentSymbolsToEntries(workspaceRoot, path string, raw []interface{}) []entity.SymbolEntry {
	entries := make([]entity.SymbolEntry, 0, len(raw))
	for _, item := range raw {
		payload, err := json.Marshal(item)
		if err != nil {
			continue
		}

		var ds protocol.DocumentSymbol
		if err := json.Unmarshal(payload, &ds); err == nil && ds.Name != "" && (ds.SelectionRange != protocol.Range{}) {
			entries = append(entries, flattenDocumentSymbol(workspaceRoot, path, ds)...)
			continue
		}

		var info protocol.SymbolInformation
		if err := json.Unmarshal(payload, &info); err == nil && info.Name != "" {
			entries = append(entries, SymbolInformationToEntry(workspaceRoot, info))
		}
	}
	return entries
}

func flattenDocumentSymbol(workspaceRoot, path string, ds protocol.DocumentSymbol) []entity.SymbolEntry {
	loc := LocationFromProtocol(workspaceRoot, protocol.Location{
		URI:   uri.File(path),
		Range: ds.SelectionRange,
	})
	entries := []entity.SymbolEntry{{
		Name:     ds.Name,
		Kind:     symbolKindName(ds.Kind),
		Location: loc,
	}}
	for _, child := range ds.Children {
		entries = append(entries, flattenDocumentSymbol(workspaceRoot, path, child)...)
	}
	return entries
}

var _symbolKindNames = map[protocol.SymbolKind]string{
	protocol.SymbolKindFile:          "file",
	protocol.SymbolKindModule:        "module",
	protocol.SymbolKindNamespace:     "namespace",
	protocol.SymbolKindPackage:       "package",
	protocol.SymbolKindClass:         "class",
	protocol.SymbolKindMethod:        "method",
	protocol.SymbolKindProperty:      "property",
	protocol.SymbolKindField:         "field",
	protocol.SymbolKindConstructor:   "constructor",
	protocol.SymbolKindEnum:          "enum",
	protocol.SymbolKindInterface:     "interface",
	protocol.SymbolKindFunction:      "function",
	protocol.SymbolKindVariable:      "variable",
	protocol.SymbolKindConstant:      "constant",
	protocol.SymbolKindString:        "string",
	protocol.SymbolKindNumber:        "number",
	protocol.SymbolKindBoolean:       "boolean",
	protocol.SymbolKindArray:         "array",
	protocol.SymbolKindObject:        "object",
	protocol.SymbolKindKey:           "key",
	protocol.SymbolKindNull:          "null",
	protocol.SymbolKindEnumMember:    "enum_member",
	protocol.SymbolKindStruct:        "struct",
	protocol.SymbolKindEvent:         "event",
	protocol.SymbolKindOperator:      "operator",
	protocol.SymbolKindTypeParameter: "type_parameter",
}

func symbolKindName(kind protocol.SymbolKind) string {
	if name, ok := _symbolKindNames[kind]; ok {
		return name
	}
	return "symbol"
}

// IsTestPath reports whether a path looks like a test file. The rules cover
// the naming conventions of the supported language ecosystems.
func IsTestPath(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.Contains(base, "_test."):
		return true
	case strings.HasPrefix(base, "test_"):
		return true
	case strings.Contains(base, ".spec.") || strings.Contains(base, ".test."):
		return true
	}
	normalized := filepath.ToSlash(path)
	return strings.Contains(normalized, "/tests/") || strings.Contains(normalized, "/test/")
}
