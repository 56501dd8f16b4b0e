//go:build cgo

package modules

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// treeSitterParser walks the tree-sitter Python syntax tree. Files the
// grammar rejects are retried with the line parser so newer syntax does
// not drop a whole file.
type treeSitterParser struct {
	fallback lineParser
}

func newDefaultParser() fileParser {
	return treeSitterParser{}
}

// Parse implements fileParser.
func (p treeSitterParser) Parse(ctx context.Context, src []byte) ([]rawImport, error) {
	if _, err := splitLogical(src); err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return p.fallback.Parse(ctx, src)
	}

	var out []rawImport
	walkImports(root, src, false, &out)
	return out, nil
}

func walkImports(n *sitter.Node, src []byte, cond bool, out *[]rawImport) {
	line := int(n.StartPoint().Row) + 1

	switch n.Type() {
	case "future_import_statement":
		return
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			name := n.NamedChild(i)
			if name.Type() == "aliased_import" {
				name = name.ChildByFieldName("name")
			}
			if name != nil && name.Type() == "dotted_name" {
				*out = append(*out, rawImport{Module: compact(name.Content(src)), Conditional: cond, Line: line})
			}
		}
		return
	case "import_from_statement":
		mod := n.ChildByFieldName("module_name")
		if mod == nil {
			return
		}
		imp := rawImport{Module: compact(mod.Content(src)), From: true, Conditional: cond, Line: line}
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			if c.Type() == "wildcard_import" {
				imp.Names = append(imp.Names, "*")
				continue
			}
			if n.FieldNameForChild(i) != "name" {
				continue
			}
			if c.Type() == "aliased_import" {
				c = c.ChildByFieldName("name")
			}
			if c != nil {
				imp.Names = append(imp.Names, compact(c.Content(src)))
			}
		}
		*out = append(*out, imp)
		return
	case "call":
		if imp, ok := dynamicImport(n, src); ok {
			imp.Conditional = cond
			imp.Line = line
			*out = append(*out, imp)
		}
	case "try_statement", "if_statement":
		cond = true
	case "with_statement":
		if c := n.NamedChild(0); c != nil && strings.Contains(c.Content(src), "suppress") {
			cond = true
		}
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		walkImports(n.NamedChild(i), src, cond, out)
	}
}

// dynamicImport recognizes importlib.import_module(...), import_module(...)
// and __import__(...) calls.
func dynamicImport(call *sitter.Node, src []byte) (rawImport, bool) {
	fn := call.ChildByFieldName("function")
	args := call.ChildByFieldName("arguments")
	if fn == nil || args == nil || args.Type() != "argument_list" {
		return rawImport{}, false
	}

	isImportModule := false
	switch fn.Type() {
	case "identifier":
		switch fn.Content(src) {
		case "import_module":
			isImportModule = true
		case "__import__":
		default:
			return rawImport{}, false
		}
	case "attribute":
		attr := fn.ChildByFieldName("attribute")
		if attr == nil || attr.Content(src) != "import_module" {
			return rawImport{}, false
		}
		isImportModule = true
	default:
		return rawImport{}, false
	}

	var positional []*sitter.Node
	var pkg *sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		switch a.Type() {
		case "comment":
		case "keyword_argument":
			if k := a.ChildByFieldName("name"); k != nil && k.Content(src) == "package" {
				pkg = a.ChildByFieldName("value")
			}
		default:
			positional = append(positional, a)
		}
	}
	if len(positional) == 0 {
		return rawImport{}, false
	}

	imp := rawImport{Dynamic: true}
	if lit, ok := literalString(positional[0].Content(src)); ok && positional[0].Type() == "string" {
		imp.Module = lit
	} else {
		imp.Expr = positional[0].Content(src)
	}
	if isImportModule {
		if pkg == nil && len(positional) > 1 {
			pkg = positional[1]
		}
		if pkg != nil && pkg.Type() == "string" {
			if lit, ok := literalString(pkg.Content(src)); ok {
				imp.Package = lit
			}
		}
	}
	return imp, true
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}
