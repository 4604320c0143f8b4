package definition

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/watzon/fngate/internal/typeschema"
)

// DefaultExport is the export name of a single-invocable function.
const DefaultExport = "default"

type exportShape struct {
	re *regexp.Regexp
	// method is the submatch index of the method name, or 0 for default
	// exports.
	method int
	params int
}

const jsFunc = `(?:async\s+)?(?:function\s*\*?\s*[\w$]*\s*)?\(([^)]*)\)`

var exportShapes = []exportShape{
	{re: regexp.MustCompile(`(?m)^[ \t]*module\.exports\s*=\s*` + jsFunc), params: 1},
	{re: regexp.MustCompile(`(?m)^[ \t]*module\.exports\s*=\s*(?:async\s+)?([\w$]+)\s*=>`), params: 1},
	{re: regexp.MustCompile(`(?m)^[ \t]*export\s+default\s+` + jsFunc), params: 1},
	{re: regexp.MustCompile(`(?m)^[ \t]*export\s+(?:async\s+)?function\s*(GET|POST|PUT|DELETE)\s*\(([^)]*)\)`), method: 1, params: 2},
	{re: regexp.MustCompile(`(?m)^[ \t]*export\s+const\s+(GET|POST|PUT|DELETE)\s*=\s*` + jsFunc), method: 1, params: 2},
	{re: regexp.MustCompile(`(?m)^[ \t]*(?:async\s+)?def\s+handler\s*\(([^)]*)\)`), params: 1},
	{re: regexp.MustCompile(`(?m)^[ \t]*(?:async\s+)?def\s+(GET|POST|PUT|DELETE)\s*\(([^)]*)\)`), method: 1, params: 2},
}

type export struct {
	method string
	params []string
	line   int // 0-based line of the export statement
}

// Parse reads one function source file. The name and route are derived by
// the caller; Parse fills in the schema, capabilities and method table.
func Parse(sourcePath string, src []byte) (*Definition, error) {
	text := strings.ReplaceAll(string(src), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	exports := findExports(text)
	if len(exports) == 0 {
		return nil, errorf(sourcePath, 0, "no function export found")
	}

	var defaults, methods []export
	seen := map[string]bool{}
	for _, e := range exports {
		if e.method == "" {
			defaults = append(defaults, e)
			continue
		}
		if seen[e.method] {
			return nil, errorf(sourcePath, e.line+1, "method %s is exported twice", e.method)
		}
		seen[e.method] = true
		methods = append(methods, e)
	}
	switch {
	case len(defaults) > 1:
		return nil, errorf(sourcePath, defaults[1].line+1, "more than one default export")
	case len(defaults) == 1 && len(methods) > 0:
		return nil, errorf(sourcePath, methods[0].line+1, "a default export cannot be combined with method exports")
	}

	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	if len(defaults) == 1 {
		def, err := build(sourcePath, lines, defaults[0])
		if err != nil {
			return nil, err
		}
		def.Name = base
		return def, nil
	}

	top := &Definition{
		Name:       base,
		SourcePath: sourcePath,
		Methods:    make(map[string]*Definition, len(methods)),
		Returns:    anyReturn(),
	}
	for _, e := range methods {
		def, err := build(sourcePath, lines, e)
		if err != nil {
			return nil, err
		}
		def.Name = base
		top.Methods[e.method] = def
		if top.Description == "" {
			top.Description = def.Description
		}
	}
	return top, nil
}

func findExports(text string) []export {
	var out []export
	for _, shape := range exportShapes {
		for _, m := range shape.re.FindAllStringSubmatchIndex(text, -1) {
			e := export{
				line:   strings.Count(text[:m[0]], "\n"),
				params: signatureParams(text[m[2*shape.params]:m[2*shape.params+1]]),
			}
			if shape.method > 0 {
				e.method = text[m[2*shape.method]:m[2*shape.method+1]]
			}
			out = append(out, e)
		}
	}
	return out
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][\w$]*`)

// signatureParams extracts parameter names from a parameter list, dropping
// default values, type annotations and rest markers.
func signatureParams(list string) []string {
	var names []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimLeft(part, ".*")
		name := identifier.FindString(part)
		if name == "" || name == "self" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// precedingDoc returns the comment block directly above line idx and the
// 0-based line it starts on.
func precedingDoc(lines []string, idx int) ([]string, int) {
	end := idx
	i := idx - 1
	for i >= 0 && strings.TrimSpace(lines[i]) == "" {
		i--
	}
	if i < 0 {
		return nil, idx
	}

	last := strings.TrimSpace(lines[i])
	switch {
	case strings.HasSuffix(last, "*/"):
		for j := i; j >= 0; j-- {
			if strings.Contains(lines[j], "/*") {
				return lines[j : i+1], j
			}
		}
		return nil, end
	case strings.HasPrefix(last, "//") || strings.HasPrefix(last, "#"):
		start := i
		for start > 0 {
			prev := strings.TrimSpace(lines[start-1])
			if !strings.HasPrefix(prev, "//") && !strings.HasPrefix(prev, "#") {
				break
			}
			start--
		}
		return lines[start : i+1], start
	}
	return nil, end
}

func build(path string, lines []string, e export) (*Definition, error) {
	block, start := precedingDoc(lines, e.line)
	d, err := parseDoc(path, start+1, block)
	if err != nil {
		return nil, err
	}

	exportName := DefaultExport
	if e.method != "" {
		exportName = e.method
	}
	def := &Definition{
		SourcePath:  path,
		Method:      e.method,
		Export:      exportName,
		Description: d.description,
	}
	if err := assemble(def, d, e.params, true); err != nil {
		if de, ok := err.(*Error); ok && de.Path == "" {
			de.Path = path
			if de.Line == 0 {
				de.Line = e.line + 1
			}
		}
		return nil, err
	}
	return def, nil
}

// assemble fills def from a parsed doc block. signature lists the
// function's declared parameter names in order; when hasSignature is false
// the documented order is used instead.
func assemble(def *Definition, d *doc, signature []string, hasSignature bool) error {
	documented := make(map[string]*docParam, len(d.params))
	for _, dp := range d.params {
		documented[dp.param.Name] = dp
	}

	if !hasSignature {
		signature = signature[:0]
		for _, dp := range d.params {
			signature = append(signature, dp.param.Name)
		}
	}

	inSignature := make(map[string]bool, len(signature))
	for i, name := range signature {
		inSignature[name] = true
		dp, ok := documented[name]
		switch {
		case ok && dp.context:
			if def.ContextParam != nil {
				return &Error{Msg: "only one parameter may receive the context"}
			}
			def.ContextParam = &ContextSlot{Name: name, Position: i}
		case ok:
			def.Params = append(def.Params, dp.param)
		case name == contextType && i == len(signature)-1 && def.ContextParam == nil:
			def.ContextParam = &ContextSlot{Name: name, Position: i}
		default:
			if ReservedParams[name] {
				return &Error{Msg: "parameter name " + name + " is reserved"}
			}
			def.Params = append(def.Params, &typeschema.Param{
				Name:     name,
				Schema:   &typeschema.Schema{Kind: typeschema.KindAny},
				Required: true,
			})
		}
	}
	for _, dp := range d.params {
		if !inSignature[dp.param.Name] {
			return &Error{Line: dp.line, Msg: "documented parameter " + dp.param.Name + " is not in the function signature"}
		}
	}

	def.Returns = d.returns
	if def.Returns == nil {
		def.Returns = anyReturn()
	}
	def.Streams = d.streams
	def.Capabilities.Stream = len(d.streams) > 0
	def.Capabilities.Background = d.background
	def.Capabilities.Debug = d.debug
	if d.background {
		def.BackgroundMode = d.bgMode
	}
	def.Origins = d.origins
	def.Keys = d.keys
	return nil
}

func anyReturn() *typeschema.Param {
	return &typeschema.Param{Name: "result", Schema: &typeschema.Schema{Kind: typeschema.KindAny}}
}

// FromDoc builds a definition from a documentation block alone, for
// handlers registered natively rather than loaded from files. Parameter
// order follows the @param tags.
func FromDoc(name, docText string) (*Definition, error) {
	lines := strings.Split(strings.ReplaceAll(docText, "\r\n", "\n"), "\n")
	d, err := parseDoc(name, 1, lines)
	if err != nil {
		return nil, err
	}
	def := &Definition{Name: name, Export: DefaultExport, Description: d.description}
	if err := assemble(def, d, nil, false); err != nil {
		if de, ok := err.(*Error); ok && de.Path == "" {
			de.Path = name
		}
		return nil, err
	}
	return def, nil
}
