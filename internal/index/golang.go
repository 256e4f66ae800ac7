package index

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

// BuildGo parses every .go file under fsys and returns its call graph.
// Symbols are named "pkg.Func" or "pkg.Type.Method". Calls are resolved
// syntactically: unqualified calls bind to the current package and
// pkg.Func calls bind through the file's imports. Method calls on values
// cannot be resolved without type information and are left out.
func BuildGo(fsys fs.FS) (*Graph, error) {
	g := NewGraph()
	fset := token.NewFileSet()
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if p != "." && (name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return fs.SkipDir
			}
			return nil
		}
		if path.Ext(p) != ".go" {
			return nil
		}
		src, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		f, err := parser.ParseFile(fset, p, src, parser.SkipObjectResolution)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		indexFile(g, fset, p, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	return g, nil
}

func indexFile(g *Graph, fset *token.FileSet, file string, f *ast.File) {
	pkg := f.Name.Name
	imports := make(map[string]string)
	for _, imp := range f.Imports {
		ipath, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := path.Base(ipath)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		imports[name] = path.Base(ipath)
	}

	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok {
					g.AddSymbol(Symbol{
						Name: pkg + "." + ts.Name.Name,
						Kind: "type",
						File: file,
						Line: fset.Position(ts.Pos()).Line,
					})
				}
			}
		case *ast.FuncDecl:
			name, kind := pkg+"."+d.Name.Name, "func"
			if recv := receiverType(d); recv != "" {
				name, kind = pkg+"."+recv+"."+d.Name.Name, "method"
			}
			g.AddSymbol(Symbol{Name: name, Kind: kind, File: file, Line: fset.Position(d.Pos()).Line})
			if d.Body == nil {
				continue
			}
			ast.Inspect(d.Body, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				switch fn := call.Fun.(type) {
				case *ast.Ident:
					if !builtin(fn.Name) {
						g.AddCall(name, pkg+"."+fn.Name)
					}
				case *ast.SelectorExpr:
					if x, ok := fn.X.(*ast.Ident); ok {
						if target, ok := imports[x.Name]; ok {
							g.AddCall(name, target+"."+fn.Sel.Name)
						}
					}
				}
				return true
			})
		}
	}
}

func receiverType(d *ast.FuncDecl) string {
	if d.Recv == nil || len(d.Recv.List) == 0 {
		return ""
	}
	t := d.Recv.List[0].Type
	for {
		switch v := t.(type) {
		case *ast.StarExpr:
			t = v.X
		case *ast.IndexExpr:
			t = v.X
		case *ast.IndexListExpr:
			t = v.X
		case *ast.Ident:
			return v.Name
		default:
			return ""
		}
	}
}

var builtins = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true,
	"copy": true, "delete": true, "imag": true, "len": true, "make": true,
	"max": true, "min": true, "new": true, "panic": true, "print": true,
	"println": true, "real": true, "recover": true,
	"string": true, "int": true, "int64": true, "float64": true, "byte": true, "rune": true,
}

func builtin(name string) bool { return builtins[name] }
