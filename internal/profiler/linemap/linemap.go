// Package linemap resolves instruction pointers to logical source lines.
//
// The map is built once at startup from the running executable's ELF
// image: the Go line table (.gopclntab) provides pc→file:line entries,
// and a slide is computed so the table works for position-independent
// binaries. Resolution is bounded by a scope, a set of directory
// prefixes; instruction pointers whose file lies outside the scope
// resolve to nil. If the caller supplies no scope, the current working
// directory is used, widened to the enclosing module root when a go.mod
// is found above it.
//
// The mapping is immutable after startup. Line objects are interned:
// the same (file, line) always yields the same *Line, which lets the
// engine compare lines by identity and store non-owning references in
// atomic cells.
package linemap

import (
	"debug/elf"
	"debug/gosym"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/mod/modfile"
)

// Map resolves instruction pointers and "file:line" names to interned
// Line objects. Safe for concurrent use; the underlying tables are
// read-only after Build.
type Map struct {
	table *gosym.Table
	slide uint64
	scope []string
	trim  string // prefix stripped from file paths for display

	mu    sync.Mutex
	lines map[string]*Line
}

// Build constructs the address→line map for the running executable.
//
// scope lists directory paths bounding which files are admitted; an
// empty scope means the current working directory, widened to its
// enclosing module root when one is found (see moduleRoot). Build never fails
// on a missing line table: resolution then falls back to the runtime's
// own pc→line data, which covers the profiled process's code.
func Build(scope []string) (*Map, error) {
	m := &Map{lines: make(map[string]*Line)}

	if len(scope) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving default scope: %w", err)
		}
		scope = []string{moduleRoot(cwd)}
	}
	for _, dir := range scope {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolving scope entry %q: %w", dir, err)
		}
		m.scope = append(m.scope, abs)
	}
	m.trim = commonTrimPrefix(m.scope)

	// A missing or unreadable table is not fatal; FindPC falls back to
	// runtime.FuncForPC for addresses inside this process.
	if table, err := loadTable(); err == nil {
		m.table = table
		m.slide = computeSlide(table)
	}

	return m, nil
}

// moduleRoot walks up from dir looking for a go.mod with a valid module
// directive and returns the containing directory. When none is found,
// dir itself is returned. Widening the scope to the module root means a
// profile started from a subdirectory still covers the whole module.
func moduleRoot(dir string) string {
	for d := dir; ; {
		gomod := filepath.Join(d, "go.mod")
		if data, err := os.ReadFile(gomod); err == nil {
			if f, err := modfile.Parse(gomod, data, nil); err == nil && f.Module != nil {
				return d
			}
		}
		parent := filepath.Dir(d)
		if parent == d {
			return dir
		}
		d = parent
	}
}

// loadTable reads the Go line table out of the running executable.
func loadTable() (*gosym.Table, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	f, err := elf.Open(exe)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pclntab := f.Section(".gopclntab")
	text := f.Section(".text")
	if pclntab == nil || text == nil {
		return nil, fmt.Errorf("no Go line table in %s", exe)
	}
	lineData, err := pclntab.Data()
	if err != nil {
		return nil, err
	}
	var symData []byte
	if symtab := f.Section(".gosymtab"); symtab != nil {
		symData, _ = symtab.Data()
	}
	return gosym.NewTable(symData, gosym.NewLineTable(lineData, text.Addr))
}

// computeSlide measures the offset between the table's static addresses
// and the runtime addresses of this process, so the map works for
// position-independent executables. Returns 0 when the anchor function
// cannot be located (non-PIE binaries need no slide).
func computeSlide(table *gosym.Table) uint64 {
	anchor := reflect.ValueOf(Build).Pointer()
	rf := runtime.FuncForPC(anchor)
	if rf == nil {
		return 0
	}
	sf := table.LookupFunc(rf.Name())
	if sf == nil {
		return 0
	}
	return uint64(rf.Entry()) - sf.Entry
}

// FindPC resolves an instruction pointer to its containing Line, or nil
// when the pc is unknown or its file is out of scope.
func (m *Map) FindPC(pc uint64) *Line {
	var file string
	var num int

	if m.table != nil {
		file, num, _ = m.table.PCToLine(pc - m.slide)
	}
	if file == "" {
		// Fall back to the runtime's view of this address space.
		if fn := runtime.FuncForPC(uintptr(pc)); fn != nil {
			file, num = fn.FileLine(uintptr(pc))
		}
	}
	if file == "" || num <= 0 || !m.inScope(file) {
		return nil
	}
	return m.intern(file, num)
}

// FindName resolves a textual "file:line" to a Line. The file part may
// be a full path or a suffix of one; suffix matches are resolved
// against the executable's line table. Returns nil when the name does
// not parse, the file is unknown, or it is out of scope.
func (m *Map) FindName(name string) *Line {
	file, num, err := ParseName(name)
	if err != nil {
		return nil
	}
	full := m.canonicalFile(file)
	if full == "" || !m.inScope(full) {
		return nil
	}
	return m.intern(full, num)
}

// ParseName splits a "file:line" string. The file part may itself
// contain colons (Windows drives are not supported; the last colon
// separates the line number).
func ParseName(name string) (file string, num int, err error) {
	i := strings.LastIndexByte(name, ':')
	if i <= 0 || i == len(name)-1 {
		return "", 0, fmt.Errorf("malformed line name %q: want file:line", name)
	}
	num, err = strconv.Atoi(name[i+1:])
	if err != nil || num <= 0 {
		return "", 0, fmt.Errorf("malformed line number in %q", name)
	}
	return name[:i], num, nil
}

// canonicalFile maps a possibly-relative file name onto the table's
// full path for it. Exact matches win; otherwise the unique
// path-suffix match is used. Without a table the name is used as
// given, absolutized against the cwd.
func (m *Map) canonicalFile(file string) string {
	if m.table == nil {
		abs, err := filepath.Abs(file)
		if err != nil {
			return ""
		}
		return abs
	}
	if _, ok := m.table.Files[file]; ok {
		return file
	}
	want := "/" + strings.TrimPrefix(file, "/")
	var match string
	for f := range m.table.Files {
		if strings.HasSuffix(f, want) {
			if match != "" {
				return "" // ambiguous
			}
			match = f
		}
	}
	return match
}

func (m *Map) inScope(file string) bool {
	for _, dir := range m.scope {
		if strings.HasPrefix(file, dir+string(filepath.Separator)) || file == dir {
			return true
		}
	}
	return false
}

func (m *Map) intern(file string, num int) *Line {
	key := file + ":" + strconv.Itoa(num)
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lines[key]; ok {
		return l
	}
	l := &Line{file: file, num: num, display: m.displayName(file)}
	m.lines[key] = l
	return l
}

func (m *Map) displayName(file string) string {
	if m.trim != "" {
		if rel := strings.TrimPrefix(file, m.trim); rel != file {
			return strings.TrimPrefix(rel, string(filepath.Separator))
		}
	}
	return file
}

// Lines returns all interned lines. Used by the output sink for the
// shutdown profile dump.
func (m *Map) Lines() []*Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Line, 0, len(m.lines))
	for _, l := range m.lines {
		out = append(out, l)
	}
	return out
}

// commonTrimPrefix picks the display-trim prefix: with a single scope
// entry, file names under it are shown relative to it.
func commonTrimPrefix(scope []string) string {
	if len(scope) == 1 {
		return scope[0]
	}
	return ""
}

// NewLine builds a detached Line outside any map. Callers that
// synthesize locations (tests, tools) use this; engine code always goes
// through a Map so identity comparison holds.
func NewLine(file string, num int) *Line {
	return &Line{file: file, num: num, display: file}
}
