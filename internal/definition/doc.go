package definition

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/watzon/fngate/internal/typeschema"
	"github.com/watzon/fngate/internal/value"
)

var descriptionPolicy = bluemonday.StrictPolicy()

// doc is a parsed documentation block.
type doc struct {
	description string
	params      []*docParam
	returns     *typeschema.Param
	streams     []*typeschema.Param
	background  bool
	bgMode      BackgroundMode
	debug       bool
	origins     []string
	keys        []string
}

type docParam struct {
	param   *typeschema.Param
	context bool
	line    int
}

type pendingDefault struct {
	param *typeschema.Param
	raw   string
	line  int
}

type docParser struct {
	path string
	doc  *doc

	description []string
	// stack holds the slot being documented and its nested fields by depth.
	stack    []*typeschema.Param
	enum     *typeschema.Schema
	defaults []pendingDefault
}

// stripComment removes comment markers from one source line.
func stripComment(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "/**")
	s = strings.TrimPrefix(s, "/*")
	s = strings.TrimSuffix(s, "*/")
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "//"):
		s = s[2:]
	case strings.HasPrefix(s, "#"):
		s = s[1:]
	case strings.HasPrefix(s, "*"):
		s = s[1:]
	}
	return strings.TrimSpace(s)
}

// parseDoc reads a documentation block. firstLine is the 1-based source
// line of lines[0] and is used for error positions.
func parseDoc(path string, firstLine int, lines []string) (*doc, error) {
	p := &docParser{path: path, doc: &doc{}}
	for i, raw := range lines {
		if err := p.line(firstLine+i, stripComment(raw)); err != nil {
			return nil, err
		}
	}
	return p.finish()
}

func (p *docParser) line(n int, line string) error {
	switch {
	case line == "":
		if len(p.stack) == 0 && p.enum == nil {
			p.description = append(p.description, "")
		}
		return nil
	case strings.HasPrefix(line, "@"):
		after := line[1:]
		if after == "" || after[0] == ' ' || after[0] == '{' {
			return p.field(n, after)
		}
		p.enum = nil
		tag, rest, _ := strings.Cut(after, " ")
		return p.tag(n, tag, strings.TrimSpace(rest))
	case strings.HasPrefix(line, "[") && p.enum != nil:
		return p.member(n, line)
	}

	if len(p.stack) > 0 {
		last := p.stack[len(p.stack)-1]
		last.Description = strings.TrimSpace(last.Description + " " + line)
		return nil
	}
	p.description = append(p.description, line)
	return nil
}

func (p *docParser) tag(n int, tag, rest string) error {
	p.stack = nil
	switch tag {
	case "param", "arg", "argument":
		slot, isContext, err := p.slot(n, rest, true)
		if err != nil {
			return err
		}
		for _, existing := range p.doc.params {
			if existing.param.Name == slot.Name {
				return errorf(p.path, n, "parameter %q is documented twice", slot.Name)
			}
		}
		if ReservedParams[slot.Name] {
			return errorf(p.path, n, "parameter name %q is reserved", slot.Name)
		}
		p.doc.params = append(p.doc.params, &docParam{param: slot, context: isContext, line: n})
		if !isContext {
			p.stack = []*typeschema.Param{slot}
		}
	case "returns", "return":
		if p.doc.returns != nil {
			return errorf(p.path, n, "@returns is declared twice")
		}
		if !strings.HasPrefix(rest, "{") {
			rest = "{any} " + rest
		}
		slot, _, err := p.slot(n, rest, false)
		if err != nil {
			return err
		}
		if slot.Name == "" {
			slot.Name = "result"
		}
		p.doc.returns = slot
		p.stack = []*typeschema.Param{slot}
	case "stream":
		slot, _, err := p.slot(n, rest, true)
		if err != nil {
			return err
		}
		if strings.HasPrefix(slot.Name, "@") || slot.Name == "*" {
			return errorf(p.path, n, "stream name %q is reserved", slot.Name)
		}
		for _, s := range p.doc.streams {
			if s.Name == slot.Name {
				return errorf(p.path, n, "stream %q is declared twice", slot.Name)
			}
		}
		p.doc.streams = append(p.doc.streams, slot)
		p.stack = []*typeschema.Param{slot}
	case "background":
		p.doc.background = true
		p.doc.bgMode = BackgroundInfo
		if word, _, _ := strings.Cut(rest, " "); word != "" {
			switch m := BackgroundMode(strings.ToLower(word)); m {
			case BackgroundInfo, BackgroundEmpty, BackgroundParams:
				p.doc.bgMode = m
			default:
				return errorf(p.path, n, "unknown @background mode %q", word)
			}
		}
	case "debug":
		p.doc.debug = true
	case "origin":
		if rest == "" {
			return errorf(p.path, n, "@origin requires a pattern")
		}
		p.doc.origins = append(p.doc.origins, strings.Fields(rest)...)
	case "keys", "key":
		p.doc.keys = append(p.doc.keys, strings.Fields(rest)...)
	}
	return nil
}

// field attaches a nested "@ {type} name" line. Each two extra spaces after
// the @ nest one level deeper.
func (p *docParser) field(n int, after string) error {
	spaces := len(after) - len(strings.TrimLeft(after, " "))
	depth := 0
	if spaces > 1 {
		depth = (spaces - 1) / 2
	}
	if depth >= len(p.stack) {
		return errorf(p.path, n, "nested field has no parent")
	}
	child, _, err := p.slot(n, strings.TrimSpace(after), false)
	if err != nil {
		return err
	}

	parent := p.stack[depth].Schema
	switch parent.Kind {
	case typeschema.KindObject:
		if _, exists := parent.Field(child.Name); exists {
			return errorf(p.path, n, "field %q is declared twice", child.Name)
		}
		if child.Name == "" {
			return errorf(p.path, n, "object fields need a name")
		}
		parent.Fields = append(parent.Fields, child)
	case typeschema.KindArray:
		if parent.Element != nil {
			return errorf(p.path, n, "array %q already has an element type", p.stack[depth].Name)
		}
		parent.Element = child.Schema
	default:
		return errorf(p.path, n, "type %q cannot have nested fields", parent.Kind)
	}
	p.stack = append(p.stack[:depth+1], child)
	return nil
}

// slot parses "{type} name description", "{type} [name]" or
// "{type} [name=default] description".
func (p *docParser) slot(n int, s string, needName bool) (*typeschema.Param, bool, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false, errorf(p.path, n, "expected {type} in %q", s)
	}
	closing := matchClose(s, 0)
	if closing < 0 {
		return nil, false, errorf(p.path, n, "unterminated type in %q", s)
	}
	token := strings.TrimSpace(s[1:closing])
	rest := strings.TrimSpace(s[closing+1:])

	name, optional, rawDefault, hasDefault := "", false, "", false
	switch {
	case strings.HasPrefix(rest, "["):
		end := matchClose(rest, 0)
		if end < 0 {
			return nil, false, errorf(p.path, n, "unterminated optional name in %q", s)
		}
		inner := rest[1:end]
		rest = strings.TrimSpace(rest[end+1:])
		optional = true
		name, rawDefault, hasDefault = strings.Cut(inner, "=")
		name = strings.TrimSpace(name)
		rawDefault = strings.TrimSpace(rawDefault)
	case rest != "":
		name, rest, _ = strings.Cut(rest, " ")
		rest = strings.TrimSpace(rest)
	}
	if needName && name == "" {
		return nil, false, errorf(p.path, n, "missing name after {%s}", token)
	}

	param := &typeschema.Param{
		Name:        name,
		Required:    !optional,
		Description: rest,
	}

	if strings.EqualFold(token, contextType) {
		param.Schema = &typeschema.Schema{Kind: typeschema.KindAny}
		return param, true, nil
	}

	schema, err := parseType(token)
	if err != nil {
		return nil, false, errorf(p.path, n, "%s", err.Error())
	}
	param.Schema = schema
	if schema.Kind == typeschema.KindEnum {
		p.enum = schema
	} else {
		p.enum = nil
	}
	if hasDefault {
		param.Required = false
		p.defaults = append(p.defaults, pendingDefault{param: param, raw: rawDefault, line: n})
	}
	return param, false, nil
}

// member reads an enum member line: ["name", <json literal>].
func (p *docParser) member(n int, line string) error {
	v, err := value.ParseJSON([]byte(line))
	if err != nil {
		return errorf(p.path, n, "invalid enum member %s: %v", line, err)
	}
	pair, _ := v.AsArray()
	if len(pair) != 2 {
		return errorf(p.path, n, "enum members are [name, value] pairs, got %s", line)
	}
	name, ok := pair[0].AsString()
	if !ok || name == "" {
		return errorf(p.path, n, "enum member name must be a non-empty string")
	}
	for _, m := range p.enum.Members {
		if m.Name == name {
			return errorf(p.path, n, "enum member %q is declared twice", name)
		}
	}
	p.enum.Members = append(p.enum.Members, typeschema.Member{Name: name, Value: pair[1]})
	return nil
}

func (p *docParser) finish() (*doc, error) {
	desc := strings.TrimSpace(strings.Join(p.description, "\n"))
	p.doc.description = html.UnescapeString(descriptionPolicy.Sanitize(desc))

	var slots []*typeschema.Param
	for _, dp := range p.doc.params {
		if !dp.context {
			slots = append(slots, dp.param)
		}
	}
	slots = append(slots, p.doc.streams...)
	if p.doc.returns != nil {
		slots = append(slots, p.doc.returns)
	}
	for _, slot := range slots {
		if err := checkSchema(slot.Name, slot.Schema); err != nil {
			return nil, &Error{Path: p.path, Msg: err.Error()}
		}
	}

	for _, d := range p.defaults {
		raw, err := value.ParseJSON([]byte(d.raw))
		if err != nil {
			raw = value.String(d.raw)
		}
		coerced, mismatch := typeschema.Validate(d.param.Schema, raw, d.param.Name, false)
		if mismatch != nil {
			return nil, errorf(p.path, d.line, "default for %q: %s", d.param.Name, mismatch.Error())
		}
		d.param.Default = &coerced
	}
	return p.doc, nil
}

func checkSchema(name string, s *typeschema.Schema) error {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case typeschema.KindEnum:
		if len(s.Members) == 0 {
			return errorf("", 0, "enum %q declares no members", name)
		}
	case typeschema.KindArray:
		return checkSchema(name, s.Element)
	case typeschema.KindObject:
		for _, f := range s.Fields {
			if err := checkSchema(name+"."+f.Name, f.Schema); err != nil {
				return err
			}
		}
	case typeschema.KindUnion:
		for _, alt := range s.Alternatives {
			if err := checkSchema(name, alt); err != nil {
				return err
			}
		}
	}
	return nil
}
