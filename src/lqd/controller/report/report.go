// Package report assembles multi-query symbol reports. One report combines
// hover, definition, references and symbol-listing queries into a single
// structured answer for one symbol, with kind-specific follow-ups.
package report

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/akesson/language-query/src/lqd/gateway/langserver"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/akesson/language-query/src/lqd/internal/fs"
	"github.com/akesson/language-query/src/lqd/internal/querycache"
	"github.com/akesson/language-query/src/lqd/mapper"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyMaxReferences = "report.maxReferences"

	_defaultMaxReferences = 50

	// Excerpt window around a definition, in lines.
	_excerptBefore = 1
	_excerptAfter  = 10
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Controller builds symbol reports and resolves bare names.
type Controller interface {
	// Docs assembles the full report for the symbol at the given position.
	// Failure of the initial hover query is fatal; any other sub-query
	// failure degrades to a partial-failure note on its section.
	Docs(ctx context.Context, params entity.SymbolParams) (*entity.SymbolReport, error)
	// Implementation is Docs plus a source excerpt around the definition.
	Implementation(ctx context.Context, params entity.SymbolParams) (*entity.SymbolReport, error)
	// References lists use sites of the symbol, capped at the configured
	// maximum with an accurate total.
	References(ctx context.Context, params entity.SymbolParams) (*entity.ReferencesSection, error)
	// Resolve ranks workspace and document symbols against a bare name. A
	// name with no exact or case-insensitive match yields a NoMatchError
	// carrying the ranked candidates.
	Resolve(ctx context.Context, params entity.ResolveParams) (*entity.ResolveResult, error)
}

// Params define values to be used by the report controller.
type Params struct {
	fx.In

	Config  config.Provider
	Docs    docstore.Store
	Gateway langserver.Gateway
	Cache   querycache.Cache
	FS      fs.FS
	Root    entity.WorkspaceRoot
	Logger  *zap.SugaredLogger
	Stats   tally.Scope
}

type controller struct {
	docs    docstore.Store
	gateway langserver.Gateway
	cache   querycache.Cache
	fs      fs.FS
	root    string
	logger  *zap.SugaredLogger
	stats   tally.Scope

	maxReferences int
}

// New creates a new report controller.
func New(p Params) (Controller, error) {
	maxReferences := _defaultMaxReferences
	if err := p.Config.Get(_configKeyMaxReferences).Populate(&maxReferences); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyMaxReferences, err)
	}

	return &controller{
		docs:          p.Docs,
		gateway:       p.Gateway,
		cache:         p.Cache,
		fs:            p.FS,
		root:          string(p.Root),
		logger:        p.Logger.With("component", "report"),
		stats:         p.Stats.SubScope("report"),
		maxReferences: maxReferences,
	}, nil
}

// anchor is the resolved starting point shared by every report: the tracked
// document and the protocol position of the symbol.
type anchor struct {
	path    string
	doc     docstore.Document
	pos     protocol.Position
	version int32
}

func (c *controller) anchorFor(ctx context.Context, file string, line uint32, symbol string) (anchor, error) {
	path := c.absPath(file)
	doc, err := c.docs.EnsureOpen(ctx, path)
	if err != nil {
		return anchor{}, err
	}
	pos, err := mapper.PositionFor(doc.Text, line, symbol)
	if err != nil {
		return anchor{}, err
	}
	return anchor{path: path, doc: doc, pos: pos, version: doc.Version}, nil
}

func (c *controller) absPath(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.root, file)
}

func (c *controller) Docs(ctx context.Context, params entity.SymbolParams) (*entity.SymbolReport, error) {
	return c.describe(ctx, params, false)
}

func (c *controller) Implementation(ctx context.Context, params entity.SymbolParams) (*entity.SymbolReport, error) {
	return c.describe(ctx, params, true)
}

func (c *controller) describe(ctx context.Context, params entity.SymbolParams, withExcerpt bool) (*entity.SymbolReport, error) {
	c.stats.Counter("describe").Inc(1)
	a, err := c.anchorFor(ctx, params.File, params.Line, params.Symbol)
	if err != nil {
		return nil, err
	}

	// Hover is the report's foundation; without it there is nothing to
	// classify or document.
	hover, err := c.hover(ctx, a)
	if err != nil {
		return nil, err
	}
	if hover == nil || strings.TrimSpace(hover.Contents.Value) == "" {
		return nil, fmt.Errorf("no hover information for %q at %s:%d", params.Symbol, params.File, params.Line)
	}

	docText := mapper.HoverToText(hover)
	signature := mapper.HoverSignature(docText)
	kind := mapper.ClassifyKind(signature)

	report := &entity.SymbolReport{
		Name:          params.Symbol,
		Kind:          kind,
		Documentation: docText,
	}

	defLoc, rawDef, err := c.definition(ctx, a)
	if err != nil {
		report.Notes = append(report.Notes, entity.Note{Section: "definition", Message: err.Error()})
	} else if defLoc != nil {
		report.Definition = defLoc
		if withExcerpt {
			report.Excerpt = c.excerpt(rawDef)
		}
	}

	refs, err := c.referencesSection(ctx, a)
	if err != nil {
		report.Notes = append(report.Notes, entity.Note{Section: "references", Message: err.Error()})
	} else {
		report.References = *refs
	}

	c.fillKindDetail(ctx, a, params.Symbol, rawDef, report)
	return report, nil
}

func (c *controller) fillKindDetail(ctx context.Context, a anchor, symbol string, rawDef *protocol.Location, report *entity.SymbolReport) {
	switch report.Kind {
	case entity.KindRecord:
		detail := &entity.RecordDetail{Implementations: []entity.Location{}}
		if entries, err := c.workspaceSymbols(ctx, a, symbol); err != nil {
			report.Notes = append(report.Notes, entity.Note{Section: "implementations", Message: err.Error()})
		} else {
			detail.Implementations = relatedLocations(entries, symbol)
		}
		if entries, err := c.definitionFileSymbols(ctx, rawDef); err == nil {
			detail.Fields = namesOfKinds(entries, "field", "property", "enum_member")
		}
		report.Record = detail

	case entity.KindInterface:
		detail := &entity.InterfaceDetail{Implementors: []entity.Location{}}
		if entries, err := c.workspaceSymbols(ctx, a, symbol); err != nil {
			report.Notes = append(report.Notes, entity.Note{Section: "implementors", Message: err.Error()})
		} else {
			detail.Implementors = relatedLocations(entries, symbol)
		}
		if entries, err := c.definitionFileSymbols(ctx, rawDef); err == nil {
			detail.Methods = namesOfKinds(entries, "method", "function")
		}
		report.Interface = detail

	case entity.KindFunction:
		detail := &entity.FunctionDetail{CallSites: []entity.Reference{}, TestReferences: []entity.Reference{}}
		for _, ref := range report.References.Items {
			if ref.IsTest {
				detail.TestReferences = append(detail.TestReferences, ref)
			} else {
				detail.CallSites = append(detail.CallSites, ref)
			}
		}
		report.Function = detail

	case entity.KindModule:
		detail := &entity.ModuleDetail{PublicAPI: []entity.SymbolEntry{}, Internal: []entity.SymbolEntry{}}
		entries, err := c.definitionFileSymbols(ctx, rawDef)
		if err != nil {
			report.Notes = append(report.Notes, entity.Note{Section: "module", Message: err.Error()})
		} else {
			for _, e := range entries {
				if exportedName(e.Name) {
					detail.PublicAPI = append(detail.PublicAPI, e)
				} else {
					detail.Internal = append(detail.Internal, e)
				}
			}
		}
		report.Module = detail
	}
}

func (c *controller) References(ctx context.Context, params entity.SymbolParams) (*entity.ReferencesSection, error) {
	c.stats.Counter("references").Inc(1)
	a, err := c.anchorFor(ctx, params.File, params.Line, params.Symbol)
	if err != nil {
		return nil, err
	}
	return c.referencesSection(ctx, a)
}

func (c *controller) Resolve(ctx context.Context, params entity.ResolveParams) (*entity.ResolveResult, error) {
	c.stats.Counter("resolve").Inc(1)
	path := c.absPath(params.File)

	var entries []entity.SymbolEntry
	if doc, err := c.docs.EnsureOpen(ctx, path); err == nil {
		key := entity.QueryKey{Kind: entity.QueryDocumentSymbols, File: path, Version: doc.Version}
		if raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
			return c.gateway.DocumentSymbols(cctx, path)
		}); err == nil {
			entries = append(entries, mapper.DocumentSymbolsToEntries(c.root, path, raw.([]interface{}))...)
		} else {
			c.logger.Debugw("document symbol lookup failed during resolve", "path", path, "error", err)
		}
	}

	key := entity.QueryKey{Kind: entity.QueryWorkspaceSymbols, File: path, Extra: params.Symbol}
	if raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
		return c.gateway.WorkspaceSymbols(cctx, path, params.Symbol)
	}); err == nil {
		for _, info := range raw.([]protocol.SymbolInformation) {
			entries = append(entries, mapper.SymbolInformationToEntry(c.root, info))
		}
	} else {
		c.logger.Debugw("workspace symbol lookup failed during resolve", "error", err)
	}

	candidates, match := mapper.RankCandidates(params.Symbol, dedupeEntries(entries))
	if match == nil {
		names := make([]string, 0, len(candidates))
		for _, cand := range candidates {
			names = append(names, cand.Name)
		}
		return nil, &lqerrors.NoMatchError{Name: params.Symbol, Candidates: names}
	}
	return &entity.ResolveResult{Name: params.Symbol, Match: match, Candidates: candidates}, nil
}

func (c *controller) hover(ctx context.Context, a anchor) (*protocol.Hover, error) {
	key := c.key(entity.QueryHover, a)
	raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
		return c.gateway.Hover(cctx, a.path, a.pos)
	})
	if err != nil {
		return nil, err
	}
	return raw.(*protocol.Hover), nil
}

// definition returns both the mapped and the raw protocol location; the raw
// one keeps the absolute path needed to read the excerpt window.
func (c *controller) definition(ctx context.Context, a anchor) (*entity.Location, *protocol.Location, error) {
	key := c.key(entity.QueryDefinition, a)
	raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
		return c.gateway.Definition(cctx, a.path, a.pos)
	})
	if err != nil {
		return nil, nil, err
	}
	locations := raw.([]protocol.Location)
	if len(locations) == 0 {
		return nil, nil, nil
	}
	mapped := mapper.LocationFromProtocol(c.root, locations[0])
	return &mapped, &locations[0], nil
}

func (c *controller) referencesSection(ctx context.Context, a anchor) (*entity.ReferencesSection, error) {
	key := c.key(entity.QueryReferences, a)
	raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
		return c.gateway.References(cctx, a.path, a.pos, false)
	})
	if err != nil {
		return nil, err
	}
	locations := raw.([]protocol.Location)

	section := &entity.ReferencesSection{Items: []entity.Reference{}, Total: len(locations)}
	for _, loc := range locations {
		if len(section.Items) >= c.maxReferences {
			section.Truncated = true
			break
		}
		mapped := mapper.LocationFromProtocol(c.root, loc)
		section.Items = append(section.Items, entity.Reference{
			Location: mapped,
			Context:  c.contextLine(loc),
			IsTest:   mapper.IsTestPath(mapped.Path),
		})
	}
	return section, nil
}

func (c *controller) workspaceSymbols(ctx context.Context, a anchor, query string) ([]entity.SymbolEntry, error) {
	key := entity.QueryKey{Kind: entity.QueryWorkspaceSymbols, File: a.path, Version: a.version, Extra: query}
	raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
		return c.gateway.WorkspaceSymbols(cctx, a.path, query)
	})
	if err != nil {
		return nil, err
	}
	infos := raw.([]protocol.SymbolInformation)
	entries := make([]entity.SymbolEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, mapper.SymbolInformationToEntry(c.root, info))
	}
	return entries, nil
}

func (c *controller) definitionFileSymbols(ctx context.Context, rawDef *protocol.Location) ([]entity.SymbolEntry, error) {
	if rawDef == nil {
		return nil, fmt.Errorf("no definition location")
	}
	path := rawDef.URI.Filename()
	key := entity.QueryKey{Kind: entity.QueryDocumentSymbols, File: path, Version: c.docs.Version(path)}
	raw, err := c.cache.GetOrCompute(ctx, key, func(cctx context.Context) (interface{}, error) {
		return c.gateway.DocumentSymbols(cctx, path)
	})
	if err != nil {
		return nil, err
	}
	return mapper.DocumentSymbolsToEntries(c.root, path, raw.([]interface{})), nil
}

// contextLine returns the trimmed source line at a referenced location, empty
// when the file cannot be read.
func (c *controller) contextLine(loc protocol.Location) string {
	path := loc.URI.Filename()
	var text string
	if doc, ok := c.docs.Get(path); ok {
		text = doc.Text
	} else {
		content, err := c.fs.ReadFile(path)
		if err != nil {
			return ""
		}
		text = string(content)
	}
	lines := strings.Split(text, "\n")
	index := int(loc.Range.Start.Line)
	if index < 0 || index >= len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[index])
}

// excerpt reads the definition window: one line above the definition start
// through ten lines below it.
func (c *controller) excerpt(rawDef *protocol.Location) string {
	if rawDef == nil {
		return ""
	}
	path := rawDef.URI.Filename()
	content, err := c.fs.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(content), "\n")
	start := int(rawDef.Range.Start.Line) - _excerptBefore
	if start < 0 {
		start = 0
	}
	end := int(rawDef.Range.Start.Line) + _excerptAfter
	if end > len(lines)-1 {
		end = len(lines) - 1
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start:end+1], "\n")
}

func (c *controller) key(kind entity.QueryKind, a anchor) entity.QueryKey {
	return entity.QueryKey{
		Kind:    kind,
		File:    a.path,
		Line:    a.pos.Line,
		Column:  a.pos.Character,
		Version: a.version,
	}
}

// relatedLocations picks workspace-symbol entries that reference the symbol
// without being the symbol itself, e.g. "impl Config" blocks for "Config".
func relatedLocations(entries []entity.SymbolEntry, symbol string) []entity.Location {
	locations := []entity.Location{}
	lower := strings.ToLower(symbol)
	for _, e := range entries {
		if e.Name == symbol {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name), lower) {
			locations = append(locations, e.Location)
		}
	}
	return locations
}

func namesOfKinds(entries []entity.SymbolEntry, kinds ...string) []string {
	var names []string
	for _, e := range entries {
		for _, k := range kinds {
			if e.Kind == k {
				names = append(names, e.Name)
				break
			}
		}
	}
	return names
}

func exportedName(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "_") {
		return false
	}
	first := name[0]
	return first >= 'A' && first <= 'Z'
}

func dedupeEntries(entries []entity.SymbolEntry) []entity.SymbolEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]entity.SymbolEntry, 0, len(entries))
	for _, e := range entries {
		id := fmt.Sprintf("%s|%s|%d", e.Name, e.Location.Path, e.Location.Line)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, e)
	}
	return out
}
