package mapper

import (
	"regexp"
	"sort"
	"strings"

	"github.com/akesson/language-query/src/lqd/entity"
)

var (
	_recordPattern    = regexp.MustCompile(`(?m)^\s*(pub\s+)?(struct|enum|record|class|data\s+class|type\s+\w+\s+struct)\b`)
	_interfacePattern = regexp.MustCompile(`(?m)^\s*(pub\s+)?(trait|interface|protocol|type\s+\w+\s+interface)\b`)
	_functionPattern  = regexp.MustCompile(`(?m)^\s*(pub\s+)?(async\s+)?(fn|func|def|function)\b`)
	_modulePattern    = regexp.MustCompile(`(?m)^\s*(pub\s+)?(mod|module|package|namespace)\b`)
)

// ClassifyKind derives a symbol kind from a hover signature line. The rules
// key on the kind keyword opening the signature; hover text format is not
// stable across servers, so an unmatched signature degrades to the generic
// kind instead of failing.
func ClassifyKind(signature string) entity.SymbolKind {
	switch {
	case _interfacePattern.MatchString(signature):
		return entity.KindInterface
	case _recordPattern.MatchString(signature):
		return entity.KindRecord
	case _modulePattern.MatchString(signature):
		return entity.KindModule
	case _functionPattern.MatchString(signature):
		return entity.KindFunction
	}
	// A parameter list without a keyword still reads as a callable.
	if strings.Contains(signature, "(") && strings.Contains(signature, ")") {
		return entity.KindFunction
	}
	return entity.KindGeneric
}

const (
	_tierExact = iota
	_tierCaseInsensitive
	_tierSubstring
)

// RankCandidates orders symbol entries by match quality against name: exact
// matches first, then case-insensitive matches, then substring matches.
// Entries that do not contain the name at all are dropped. The second return
// is the winning entry when the best tier is exact or case-insensitive; a
// substring hit is never a match on its own, only a suggestion.
func RankCandidates(name string, entries []entity.SymbolEntry) ([]entity.Candidate, *entity.SymbolEntry) {
	type ranked struct {
		entry entity.SymbolEntry
		tier  int
		pos   int
	}

	lower := strings.ToLower(name)
	var hits []ranked
	for i, e := range entries {
		tier := -1
		switch {
		case e.Name == name:
			tier = _tierExact
		case strings.EqualFold(e.Name, name):
			tier = _tierCaseInsensitive
		case strings.Contains(strings.ToLower(e.Name), lower):
			tier = _tierSubstring
		default:
			continue
		}
		hits = append(hits, ranked{entry: e, tier: tier, pos: i})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].tier != hits[j].tier {
			return hits[i].tier < hits[j].tier
		}
		if len(hits[i].entry.Name) != len(hits[j].entry.Name) {
			return len(hits[i].entry.Name) < len(hits[j].entry.Name)
		}
		return hits[i].pos < hits[j].pos
	})

	candidates := make([]entity.Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, entity.Candidate{
			Name:     h.entry.Name,
			Kind:     h.entry.Kind,
			Location: h.entry.Location,
		})
	}

	if len(hits) > 0 && hits[0].tier < _tierSubstring {
		match := hits[0].entry
		return candidates, &match
	}
	return candidates, nil
}
