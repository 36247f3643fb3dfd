package testutil

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"testing"
)

// RequireDocumented fails t for every named declaration in the non-test Go
// files of dir that lacks a doc comment or is missing altogether. Functions
// are named as "Func", methods as "Type.Method".
func RequireDocumented(t testing.TB, dir string, names ...string) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		t.Fatalf("listing %s: %v", dir, err)
	}

	docs := make(map[string]bool)
	fset := token.NewFileSet()
	for _, path := range files {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			t.Fatalf("parsing %s: %v", path, err)
		}
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}
			docs[funcName(fn)] = fn.Doc != nil && strings.TrimSpace(fn.Doc.Text()) != ""
		}
	}

	for _, name := range names {
		documented, found := docs[name]
		switch {
		case !found:
			t.Errorf("%s: no declaration of %s", dir, name)
		case !documented:
			t.Errorf("%s: %s has no doc comment", dir, name)
		}
	}
}

func funcName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return fn.Name.Name
	}
	recv := fn.Recv.List[0].Type
	if star, ok := recv.(*ast.StarExpr); ok {
		recv = star.X
	}
	if idx, ok := recv.(*ast.IndexExpr); ok {
		recv = idx.X
	}
	if ident, ok := recv.(*ast.Ident); ok {
		return ident.Name + "." + fn.Name.Name
	}
	return fn.Name.Name
}
