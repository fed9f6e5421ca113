package mapper

import (
	"testing"

	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHoverSignature(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "fenced code block",
			text: "```rust\npub struct Config\n```\n\nHolds settings.",
			want: "pub struct Config",
		},
		{
			name: "no code block falls back to first line",
			text: "\nfn parse(input: &str) -> Result<Ast>\nParses input.",
			want: "fn parse(input: &str) -> Result<Ast>",
		},
		{
			name: "empty",
			text: "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HoverSignature(tt.text))
		})
	}
}

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		signature string
		want      entity.SymbolKind
	}{
		{"pub struct Config", entity.KindRecord},
		{"enum Mode", entity.KindRecord},
		{"class HttpClient", entity.KindRecord},
		{"type Config struct", entity.KindRecord},
		{"pub trait Runner", entity.KindInterface},
		{"interface Closer", entity.KindInterface},
		{"type Closer interface", entity.KindInterface},
		{"pub fn parse(input: &str) -> Ast", entity.KindFunction},
		{"async fn fetch()", entity.KindFunction},
		{"def compute(x):", entity.KindFunction},
		{"func New(p Params) Store", entity.KindFunction},
		{"mod config", entity.KindModule},
		{"package mapper", entity.KindModule},
		{"namespace util", entity.KindModule},
		{"parse(input)", entity.KindFunction},
		{"CONST_VALUE: i32", entity.KindGeneric},
		{"", entity.KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.signature, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyKind(tt.signature))
		})
	}
}

func TestPositionFor(t *testing.T) {
	text := "line one\nlet parser = Parser::new();\nline three\nparser.run();\n"

	pos, err := PositionFor(text, 2, "Parser")
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 1, Character: 13}, pos)

	// Symbol drifted two lines down from the pinned position.
	pos, err = PositionFor(text, 2, "parser.run")
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 3, Character: 0}, pos)

	_, err = PositionFor(text, 1, "Missing")
	assert.Error(t, err)

	_, err = PositionFor(text, 99, "Parser")
	assert.Error(t, err)
}

func TestLocationFromProtocol(t *testing.T) {
	loc := LocationFromProtocol("/ws", protocol.Location{
		URI: uri.File("/ws/src/main.rs"),
		Range: protocol.Range{
			Start: protocol.Position{Line: 4, Character: 2},
		},
	})
	assert.Equal(t, entity.Location{Path: "src/main.rs", Line: 5, Column: 3}, loc)

	outside := LocationFromProtocol("/ws", protocol.Location{
		URI: uri.File("/elsewhere/lib.rs"),
	})
	assert.Equal(t, "/elsewhere/lib.rs", outside.Path)
}

func TestRankCandidates(t *testing.T) {
	entries := []entity.SymbolEntry{
		{Name: "ParserImpl", Kind: "class"},
		{Name: "parser", Kind: "variable"},
		{Name: "Parser", Kind: "class"},
		{Name: "Unrelated", Kind: "class"},
	}

	candidates, match := RankCandidates("Parser", entries)
	require.NotNil(t, match)
	assert.Equal(t, "Parser", match.Name)
	require.Len(t, candidates, 3)
	assert.Equal(t, "Parser", candidates[0].Name)
	assert.Equal(t, "parser", candidates[1].Name)
	assert.Equal(t, "ParserImpl", candidates[2].Name)
}

func TestRankCandidatesSubstringOnlyIsNoMatch(t *testing.T) {
	entries := []entity.SymbolEntry{
		{Name: "ParserImpl", Kind: "class"},
		{Name: "Scanner", Kind: "class"},
	}

	candidates, match := RankCandidates("Parser", entries)
	assert.Nil(t, match, "a substring hit is a suggestion, not a match")
	require.Len(t, candidates, 1)
	assert.Equal(t, "ParserImpl", candidates[0].Name)
}

func TestRankCandidatesEmpty(t *testing.T) {
	candidates, match := RankCandidates("Anything", nil)
	assert.Nil(t, match)
	assert.Empty(t, candidates)
}

func TestIsTestPath(t *testing.T) {
	assert.True(t, IsTestPath("pkg/thing_test.go"))
	assert.True(t, IsTestPath("test_parser.py"))
	assert.True(t, IsTestPath("src/app.spec.ts"))
	assert.True(t, IsTestPath("src/app.test.tsx"))
	assert.True(t, IsTestPath("crate/tests/integration.rs"))
	assert.False(t, IsTestPath("src/parser.rs"))
	assert.False(t, IsTestPath("contest/entry.go"))
}

func TestDocumentSymbolsToEntries(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{
			"name": "Config",
			"kind": float64(protocol.SymbolKindStruct),
			"range": map[string]interface{}{
				"start": map[string]interface{}{"line": float64(2), "character": float64(0)},
				"end":   map[string]interface{}{"line": float64(9), "character": float64(1)},
			},
			"selectionRange": map[string]interface{}{
				"start": map[string]interface{}{"line": float64(2), "character": float64(7)},
				"end":   map[string]interface{}{"line": float64(2), "character": float64(13)},
			},
			"children": []interface{}{
				map[string]interface{}{
					"name": "path",
					"kind": float64(protocol.SymbolKindField),
					"range": map[string]interface{}{
						"start": map[string]interface{}{"line": float64(3), "character": float64(4)},
						"end":   map[string]interface{}{"line": float64(3), "character": float64(20)},
					},
					"selectionRange": map[string]interface{}{
						"start": map[string]interface{}{"line": float64(3), "character": float64(4)},
						"end":   map[string]interface{}{"line": float64(3), "character": float64(8)},
					},
				},
			},
		},
	}

	entries := DocumentSymbolsToEntries("/ws", "/ws/src/config.rs", raw)
	require.Len(t, entries, 2)
	assert.Equal(t, "Config", entries[0].Name)
	assert.Equal(t, "struct", entries[0].Kind)
	assert.Equal(t, entity.Location{Path: "src/config.rs", Line: 3, Column: 8}, entries[0].Location)
	assert.Equal(t, "path", entries[1].Name)
	assert.Equal(t, "field", entries[1].Kind)
}

func TestDocumentSymbolsToEntriesSymbolInformation(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{
			"name": "run",
			"kind": float64(protocol.SymbolKindFunction),
			"location": map[string]interface{}{
				"uri": string(uri.File("/ws/src/main.rs")),
				"range": map[string]interface{}{
					"start": map[string]interface{}{"line": float64(10), "character": float64(3)},
					"end":   map[string]interface{}{"line": float64(10), "character": float64(6)},
				},
			},
		},
	}

	entries := DocumentSymbolsToEntries("/ws", "/ws/src/main.rs", raw)
	require.Len(t, entries, 1)
	assert.Equal(t, "run", entries[0].Name)
	assert.Equal(t, "function", entries[0].Kind)
	assert.Equal(t, entity.Location{Path: "src/main.rs", Line: 11, Column: 4}, entries[0].Location)
}
