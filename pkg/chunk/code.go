// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package chunk

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const (
	langGo         = "go"
	langPython     = "python"
	langJavaScript = "javascript"
	langTypeScript = "typescript"
	langTSX        = "tsx"
)

// langAliases folds detector names onto the grammar that parses them.
var langAliases = map[string]string{
	"jsx": langJavaScript,
}

// langSpec maps one grammar's node types onto symbol kinds.
type langSpec struct {
	// kinds lists declaration node types cut at top level.
	kinds map[string]SymbolKind
	// unwrap lists wrapper nodes searched for an inner declaration
	// while keeping the wrapper's byte range.
	unwrap map[string]bool
	// classes lists container nodes whose bodies are re-walked for
	// methods when the container alone exceeds the max chunk size.
	classes map[string]bool
}

var langSpecs = map[string]*langSpec{
	langGo: {
		kinds: map[string]SymbolKind{
			"function_declaration": SymbolFunction,
			"method_declaration":   SymbolMethod,
			"type_declaration":     SymbolClass, // refined per type_spec
			"const_declaration":    SymbolConstant,
			"var_declaration":      SymbolVariable,
		},
	},
	langPython: {
		kinds: map[string]SymbolKind{
			"function_definition": SymbolFunction,
			"class_definition":    SymbolClass,
		},
		unwrap:  map[string]bool{"decorated_definition": true},
		classes: map[string]bool{"class_definition": true},
	},
	langJavaScript: {
		kinds: map[string]SymbolKind{
			"function_declaration":           SymbolFunction,
			"generator_function_declaration": SymbolFunction,
			"class_declaration":              SymbolClass,
			"method_definition":              SymbolMethod,
			"lexical_declaration":            SymbolVariable, // refined by keyword
			"variable_declaration":           SymbolVariable,
		},
		unwrap:  map[string]bool{"export_statement": true},
		classes: map[string]bool{"class_declaration": true},
	},
	langTypeScript: {
		kinds: map[string]SymbolKind{
			"function_declaration":           SymbolFunction,
			"generator_function_declaration": SymbolFunction,
			"function_signature":             SymbolFunction,
			"class_declaration":              SymbolClass,
			"abstract_class_declaration":     SymbolClass,
			"method_definition":              SymbolMethod,
			"interface_declaration":          SymbolInterface,
			"type_alias_declaration":         SymbolOther,
			"enum_declaration":               SymbolConstant,
			"lexical_declaration":            SymbolVariable,
			"variable_declaration":           SymbolVariable,
		},
		unwrap: map[string]bool{"export_statement": true},
		classes: map[string]bool{
			"class_declaration":          true,
			"abstract_class_declaration": true,
		},
	},
}

func init() {
	// TSX shares the TypeScript node vocabulary.
	langSpecs[langTSX] = langSpecs[langTypeScript]
}

func normalizeLang(lang string) string {
	if alias, ok := langAliases[lang]; ok {
		return alias
	}
	return lang
}

func grammarFor(lang string) (*langSpec, bool) {
	spec, ok := langSpecs[normalizeLang(lang)]
	return spec, ok
}

// parserSet pools one parser per grammar; tree-sitter parsers are not
// safe for concurrent use.
type parserSet struct {
	once  sync.Once
	pools map[string]*sync.Pool
}

func newParserSet() *parserSet { return &parserSet{} }

func (s *parserSet) initPools() {
	s.once.Do(func() {
		newPool := func(lang *sitter.Language) *sync.Pool {
			return &sync.Pool{New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(lang)
				return p
			}}
		}
		s.pools = map[string]*sync.Pool{
			langGo:         newPool(golang.GetLanguage()),
			langPython:     newPool(python.GetLanguage()),
			langJavaScript: newPool(javascript.GetLanguage()),
			langTypeScript: newPool(typescript.GetLanguage()),
			langTSX:        newPool(tsx.GetLanguage()),
		}
	})
}

func (s *parserSet) get(lang string) *sitter.Parser {
	s.initPools()
	pool, ok := s.pools[normalizeLang(lang)]
	if !ok {
		return nil
	}
	return pool.Get().(*sitter.Parser)
}

func (s *parserSet) put(lang string, p *sitter.Parser) {
	if p == nil {
		return
	}
	if pool, ok := s.pools[normalizeLang(lang)]; ok {
		pool.Put(p)
	}
}

// segment is one declaration-aligned byte range before sizing.
type segment struct {
	start  int
	end    int
	symbol *Symbol
}

func (c *Chunker) splitCode(path string, content []byte, lang string) ([]Chunk, error) {
	spec, ok := grammarFor(lang)
	if !ok {
		return nil, fmt.Errorf("no grammar for %s", lang)
	}
	parser := c.parsers.get(lang)
	if parser == nil {
		return nil, fmt.Errorf("no parser for %s", lang)
	}
	defer c.parsers.put(lang, parser)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("parse %s: empty tree", path)
	}
	if root.HasError() {
		// Tree-sitter trees are usable with local errors in them.
		c.logger.Debug("chunk.ast.syntax_errors", "path", path, "lang", lang)
	}

	w := &codeWalker{spec: spec, src: content, moduleName: moduleNameFor(path)}
	segs := w.collect(root, "")
	if len(segs) == 0 {
		return nil, nil
	}
	return assembleChunks(segs, content, lang), nil
}

func moduleNameFor(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

type codeWalker struct {
	spec       *langSpec
	src        []byte
	moduleName string
}

// collect walks one level of the tree and cuts declaration segments.
// Leading comments within one blank line of a declaration travel with it
// and feed its docstring. Everything between declarations accumulates
// into module-kind runs so imports and loose statements stay retrievable.
func (w *codeWalker) collect(parent *sitter.Node, parentName string) []segment {
	var (
		segs     []segment
		run      *segment
		comments []*sitter.Node
	)

	flushComments := func() {
		for _, cn := range comments {
			w.extendRun(&run, &segs, cn)
		}
		comments = nil
	}
	flushRun := func() {
		if run != nil {
			segs = append(segs, *run)
			run = nil
		}
	}

	count := int(parent.NamedChildCount())
	for i := 0; i < count; i++ {
		child := parent.NamedChild(i)
		typ := child.Type()

		if typ == "comment" {
			comments = append(comments, child)
			continue
		}

		decl := child
		if w.spec.unwrap[typ] {
			if inner := w.innerDecl(child); inner != nil {
				decl = inner
			}
		}
		kind, isDecl := w.spec.kinds[decl.Type()]
		if !isDecl {
			flushComments()
			w.extendRun(&run, &segs, child)
			continue
		}

		start := int(child.StartByte())
		docstring := ""
		if len(comments) > 0 {
			if lead := w.adjacentComments(comments, child); len(lead) > 0 {
				start = int(lead[0].StartByte())
				docstring = commentText(lead, w.src)
				comments = comments[:len(comments)-len(lead)]
			}
		}
		flushComments()
		flushRun()

		sym := w.symbolFor(decl, kind, parentName)
		if sym != nil && sym.Docstring == "" {
			sym.Docstring = docstring
		}

		seg := segment{start: start, end: int(child.EndByte()), symbol: sym}
		if w.spec.classes[decl.Type()] && seg.end-seg.start > MaxChunkChars {
			segs = append(segs, w.explodeClass(decl, seg, sym)...)
			continue
		}
		segs = append(segs, seg)
	}
	flushComments()
	flushRun()
	return segs
}

// extendRun grows the current interstitial run, breaking it when a blank
// gap has pushed it past the max chunk size.
func (w *codeWalker) extendRun(run **segment, segs *[]segment, node *sitter.Node) {
	start, end := int(node.StartByte()), int(node.EndByte())
	if *run != nil && end-(*run).start > MaxChunkChars {
		*segs = append(*segs, **run)
		*run = nil
	}
	if *run == nil {
		*run = &segment{
			start:  start,
			end:    end,
			symbol: &Symbol{Name: w.moduleName, Kind: SymbolModule},
		}
		return
	}
	(*run).end = end
}

// innerDecl finds the declaration wrapped by an export or decorator node.
func (w *codeWalker) innerDecl(wrapper *sitter.Node) *sitter.Node {
	count := int(wrapper.NamedChildCount())
	for i := 0; i < count; i++ {
		child := wrapper.NamedChild(i)
		if _, ok := w.spec.kinds[child.Type()]; ok {
			return child
		}
	}
	return nil
}

// adjacentComments returns the trailing slice of comments that sit
// directly above the declaration with no blank line in between.
func (w *codeWalker) adjacentComments(comments []*sitter.Node, decl *sitter.Node) []*sitter.Node {
	idx := len(comments)
	nextLine := int(decl.StartPoint().Row)
	for idx > 0 {
		cm := comments[idx-1]
		if int(cm.EndPoint().Row) < nextLine-1 {
			break
		}
		nextLine = int(cm.StartPoint().Row)
		idx--
	}
	return comments[idx:]
}

func commentText(comments []*sitter.Node, src []byte) string {
	var lines []string
	for _, cn := range comments {
		text := string(src[cn.StartByte():cn.EndByte()])
		text = strings.TrimPrefix(text, "/*")
		text = strings.TrimSuffix(text, "*/")
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimPrefix(line, "//")
			line = strings.TrimPrefix(line, "#")
			line = strings.TrimPrefix(line, "*")
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// explodeClass cuts an oversized container into a header segment plus one
// segment per member, so each method remains individually retrievable.
func (w *codeWalker) explodeClass(decl *sitter.Node, whole segment, sym *Symbol) []segment {
	body := decl.ChildByFieldName("body")
	if body == nil {
		return []segment{whole}
	}
	name := ""
	if sym != nil {
		name = sym.Name
	}

	header := segment{start: whole.start, end: int(body.StartByte()), symbol: sym}
	members := w.collect(body, name)
	if len(members) == 0 {
		return []segment{whole}
	}
	return append([]segment{header}, members...)
}

// symbolFor extracts the declaration's symbol metadata.
func (w *codeWalker) symbolFor(decl *sitter.Node, kind SymbolKind, parentName string) *Symbol {
	src := w.src
	sym := &Symbol{Kind: kind, Parent: parentName}
	if parentName != "" && kind == SymbolFunction {
		sym.Kind = SymbolMethod
	}

	switch decl.Type() {
	case "type_declaration":
		// Go: refine via the type_spec child.
		spec := firstChildOfType(decl, "type_spec")
		if spec == nil {
			sym.Kind = SymbolOther
			break
		}
		sym.Name = fieldText(spec, "name", src)
		switch {
		case firstChildOfType(spec, "struct_type") != nil:
			sym.Kind = SymbolClass
		case firstChildOfType(spec, "interface_type") != nil:
			sym.Kind = SymbolInterface
		default:
			sym.Kind = SymbolOther
		}
	case "const_declaration", "var_declaration":
		if spec := firstChildOfType(decl, "const_spec"); spec != nil {
			sym.Name = fieldText(spec, "name", src)
		} else if spec := firstChildOfType(decl, "var_spec"); spec != nil {
			sym.Name = fieldText(spec, "name", src)
		}
	case "method_declaration":
		sym.Name = fieldText(decl, "name", src)
		sym.Parent = receiverTypeName(decl.ChildByFieldName("receiver"), src)
	case "lexical_declaration", "variable_declaration":
		if decl.NamedChildCount() > 0 {
			sym.Name = fieldText(decl.NamedChild(0), "name", src)
		}
		if strings.HasPrefix(string(src[decl.StartByte():decl.EndByte()]), "const") {
			sym.Kind = SymbolConstant
		}
	default:
		sym.Name = fieldText(decl, "name", src)
	}

	if sym.Name == "" {
		sym.Name = w.moduleName
		if sym.Kind != SymbolModule && sym.Kind != SymbolConstant && sym.Kind != SymbolVariable {
			sym.Kind = SymbolOther
		}
	}
	sym.Signature = signatureText(decl, src)
	if decl.Type() == "function_definition" || decl.Type() == "class_definition" {
		if ds := pythonDocstring(decl, src); ds != "" {
			sym.Docstring = ds
		}
	}
	return sym
}

func firstChildOfType(node *sitter.Node, typ string) *sitter.Node {
	count := int(node.NamedChildCount())
	for i := 0; i < count; i++ {
		if child := node.NamedChild(i); child.Type() == typ {
			return child
		}
	}
	return nil
}

func fieldText(node *sitter.Node, field string, src []byte) string {
	if node == nil {
		return ""
	}
	f := node.ChildByFieldName(field)
	if f == nil {
		return ""
	}
	return string(src[f.StartByte():f.EndByte()])
}

// receiverTypeName extracts the base type from a Go method receiver,
// stripping pointer and type-parameter decoration.
func receiverTypeName(receiver *sitter.Node, src []byte) string {
	if receiver == nil {
		return ""
	}
	count := int(receiver.NamedChildCount())
	for i := 0; i < count; i++ {
		child := receiver.NamedChild(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		typ := child.ChildByFieldName("type")
		if typ == nil {
			continue
		}
		name := string(src[typ.StartByte():typ.EndByte()])
		name = strings.TrimPrefix(name, "*")
		if idx := strings.Index(name, "["); idx > 0 {
			name = name[:idx]
		}
		return name
	}
	return ""
}

// signatureText is the declaration text up to its body, collapsed to one
// line.
func signatureText(decl *sitter.Node, src []byte) string {
	end := int(decl.EndByte())
	if body := decl.ChildByFieldName("body"); body != nil {
		end = int(body.StartByte())
	}
	sig := string(src[decl.StartByte():end])
	sig = strings.TrimRight(sig, " \t\n{:")
	sig = strings.Join(strings.Fields(sig), " ")
	const maxSig = 300
	if len(sig) > maxSig {
		sig = sig[:maxSig]
	}
	return sig
}

func pythonDocstring(decl *sitter.Node, src []byte) string {
	body := decl.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	text := string(src[str.StartByte():str.EndByte()])
	text = strings.Trim(text, "\"'")
	return strings.TrimSpace(text)
}

// assembleChunks sizes segments into chunks: oversized segments split at
// statement granularity, consecutive small segments pack together up to
// the target size.
func assembleChunks(segs []segment, src []byte, lang string) []Chunk {
	var sized []segment
	for _, seg := range segs {
		if seg.end-seg.start > MaxChunkChars {
			sized = append(sized, splitOversize(seg, src)...)
			continue
		}
		sized = append(sized, seg)
	}

	var out []Chunk
	for i := 0; i < len(sized); {
		group := sized[i]
		j := i + 1
		for j < len(sized) && sized[j].end-group.start <= TargetChunkChars {
			group.end = sized[j].end
			j++
		}
		content := strings.TrimRight(string(src[group.start:group.end]), " \t\n")
		if strings.TrimSpace(content) != "" {
			out = append(out, Chunk{
				Content:   content,
				StartLine: lineOf(src, group.start),
				EndLine:   lineOf(src, group.end-1),
				Lang:      lang,
				Symbol:    group.symbol,
			})
		}
		i = j
	}
	return out
}

// splitOversize cuts one oversized segment into max-bounded windows at
// line boundaries, overlapping adjacent windows. Every window keeps the
// segment's symbol so a long function remains attributable.
func splitOversize(seg segment, src []byte) []segment {
	text := src[seg.start:seg.end]
	var parts []segment
	offset := 0
	for offset < len(text) {
		end := offset + MaxChunkChars
		if end >= len(text) {
			end = len(text)
		} else {
			// Back up to the last newline inside the window.
			if nl := bytes.LastIndexByte(text[offset:end], '\n'); nl > 0 {
				end = offset + nl
			}
		}
		parts = append(parts, segment{
			start:  seg.start + offset,
			end:    seg.start + end,
			symbol: seg.symbol,
		})
		if end == len(text) {
			break
		}
		next := end - OverlapChars
		if next <= offset {
			next = end
		}
		offset = next
	}
	return parts
}

// lineOf converts a byte offset to a 1-indexed line number.
func lineOf(src []byte, offset int) int {
	if offset < 0 {
		return 1
	}
	if offset > len(src) {
		offset = len(src)
	}
	line := 1
	for _, b := range src[:offset] {
		if b == '\n' {
			line++
		}
	}
	return line
}
