// Package sourcemap parses and caches source-map-v3 documents (inline
// base64 or sidecar .map files) keyed by emitted file path, per spec §4.B.
package sourcemap

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lua-debug/luadbg/internal/pathutil"
)

// Mapping is the best (smallest-column, smallest-source-line) translation
// retained for one emitted line, per spec §3.
type Mapping struct {
	SourceIndex int
	SourceLine  int
	SourceCol   int
}

// SourceMap is the parsed, resolved form of a single source-map document.
type SourceMap struct {
	// Sources holds the absolute path of each original source file.
	Sources []pathutil.Path
	// Mapping maps an emitted line to its best translation.
	Mapping map[int]Mapping
	// EmittedToOriginal / OriginalToEmitted hold the bidirectional name
	// maps; populated only when the map carries a "names" array.
	EmittedToOriginal map[string]string
	OriginalToEmitted map[string]string
	HasMappedNames    bool
}

var (
	sourcesField  = regexp.MustCompile(`"sources"\s*:\s*(\[[^\]]*\])`)
	mappingsField = regexp.MustCompile(`"mappings"\s*:\s*"([^"]*)"`)
	sourceRootRE  = regexp.MustCompile(`"sourceRoot"\s*:\s*"([^"]*)"`)
	namesField    = regexp.MustCompile(`"names"\s*:\s*(\[[^\]]*\])`)
	stringArrayEl = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	inlineMapRE   = regexp.MustCompile(`(?m)^[ \t]*//# sourceMappingURL=data:application/json;base64,(\S+)[ \t]*$`)
	identifierRE  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

// Store resolves and caches source maps for emitted files.
type Store struct {
	mu         sync.RWMutex
	cache      map[string]*SourceMap // nil value = negative cache entry
	scriptDirs []string
	group      singleflight.Group
}

// NewStore builds a Store whose miss path also scans the semicolon-separated
// scriptRoots list from LOCAL_LUA_DEBUGGER_SCRIPT_ROOTS, per spec §6.
func NewStore(scriptRoots string) *Store {
	var dirs []string
	if scriptRoots != "" {
		dirs = strings.Split(scriptRoots, ";")
	}
	return &Store{
		cache:      make(map[string]*SourceMap),
		scriptDirs: dirs,
	}
}

// Get returns the cached or freshly-resolved source map for file, or nil if
// none exists (and the miss is negative-cached).
func (s *Store) Get(file string) *SourceMap {
	s.mu.RLock()
	if sm, ok := s.cache[file]; ok {
		s.mu.RUnlock()
		return sm
	}
	s.mu.RUnlock()

	v, _, _ := s.group.Do(file, func() (interface{}, error) {
		sm := s.resolve(file)
		s.mu.Lock()
		s.cache[file] = sm
		s.mu.Unlock()
		return sm, nil
	})
	if v == nil {
		return nil
	}
	return v.(*SourceMap)
}

func (s *Store) resolve(file string) *SourceMap {
	if sm := s.fromInlineComment(file); sm != nil {
		return sm
	}
	if sm := s.fromSidecar(file+".map", file); sm != nil {
		return sm
	}
	base := filepath.Base(file) + ".map"
	for _, dir := range s.scriptDirs {
		if sm := s.fromSidecar(filepath.Join(dir, base), file); sm != nil {
			return sm
		}
	}
	return nil
}

func (s *Store) fromInlineComment(file string) *SourceMap {
	data, err := readTail(file, 4096)
	if err != nil {
		return nil
	}
	m := inlineMapRE.FindSubmatch(data)
	if m == nil {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(m[1]))
	if err != nil {
		return nil
	}
	return parse(string(decoded), filepath.Dir(file), file)
}

func (s *Store) fromSidecar(mapPath, emittedFile string) *SourceMap {
	data, err := os.ReadFile(mapPath)
	if err != nil {
		return nil
	}
	return parse(string(data), filepath.Dir(mapPath), emittedFile)
}

func readTail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	offset := int64(0)
	if size > n {
		offset = size - n
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// parse extracts the minimal JSON subset spec §4.B requires: the map need
// not be structurally valid JSON beyond the four named fields.
func parse(doc string, mapDir string, emittedFileForNames string) *SourceMap {
	mappingsMatch := mappingsField.FindStringSubmatch(doc)
	if mappingsMatch == nil {
		return nil
	}

	sourceRoot := "."
	if m := sourceRootRE.FindStringSubmatch(doc); m != nil {
		sourceRoot = m[1]
	}

	var rawSources []string
	if m := sourcesField.FindStringSubmatch(doc); m != nil {
		rawSources = extractStringArray(m[1])
	}

	var rawNames []string
	hasNames := false
	if m := namesField.FindStringSubmatch(doc); m != nil {
		rawNames = extractStringArray(m[1])
		hasNames = len(rawNames) > 0
	}

	sources := make([]pathutil.Path, len(rawSources))
	for i, src := range rawSources {
		resolved := src
		if !pathutil.IsAbsolute(resolved) {
			resolved = filepath.Join(mapDir, sourceRoot, src)
		}
		sources[i] = pathutil.Format(resolved)
	}

	sm := &SourceMap{
		Sources:           sources,
		Mapping:           make(map[int]Mapping),
		EmittedToOriginal: make(map[string]string),
		OriginalToEmitted: make(map[string]string),
		HasMappedNames:    hasNames,
	}

	emittedLines := readLines(emittedFileForNames)

	emittedLine := 1
	emittedColumn := 1
	sourceIndex, sourceLine, sourceColumn, nameIndex := 0, 0, 0, 0

	for _, group := range strings.Split(mappingsMatch[1], ";") {
		emittedColumn = 1
		if group != "" {
			for _, segment := range strings.Split(group, ",") {
				if segment == "" {
					continue
				}
				deltas, err := decodeVLQSegment(segment)
				if err != nil || len(deltas) == 0 {
					continue
				}
				emittedColumn += deltas[0]
				if len(deltas) >= 4 {
					sourceIndex += deltas[1]
					sourceLine += deltas[2]
					sourceColumn += deltas[3]

					existing, ok := sm.Mapping[emittedLine]
					if !ok || sourceLine < existing.SourceLine ||
						(sourceLine == existing.SourceLine && sourceColumn < existing.SourceCol) {
						sm.Mapping[emittedLine] = Mapping{
							SourceIndex: sourceIndex,
							SourceLine:  sourceLine,
							SourceCol:   sourceColumn,
						}
					}
				}
				if len(deltas) == 5 {
					nameIndex += deltas[4]
					if nameIndex >= 0 && nameIndex < len(rawNames) {
						original := rawNames[nameIndex]
						emitted := scanIdentifierAt(emittedLines, emittedLine, emittedColumn)
						if emitted != "" {
							sm.EmittedToOriginal[emitted] = original
							sm.OriginalToEmitted[original] = emitted
						}
					}
				}
			}
		}
		emittedLine++
	}

	return sm
}

func extractStringArray(bracketed string) []string {
	matches := stringArrayEl.FindAllStringSubmatch(bracketed, -1)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = unescapeJSONString(m[1])
	}
	return out
}

func unescapeJSONString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"', '\\', '/':
				b.WriteByte(s[i])
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(string(data), "\n")
}

// scanIdentifierAt finds the identifier starting at or after the given
// 1-based emitted column on the given 1-based emitted line, per spec §4.B.
func scanIdentifierAt(lines []string, line, column int) string {
	if line < 1 || line > len(lines) {
		return ""
	}
	text := lines[line-1]
	start := column - 1
	if start < 0 {
		start = 0
	}
	if start > len(text) {
		return ""
	}
	loc := identifierRE.FindStringIndex(text[start:])
	if loc == nil {
		return ""
	}
	return text[start+loc[0] : start+loc[1]]
}
