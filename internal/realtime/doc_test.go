package realtime

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"
)

func TestExportedDeclarationsAreDocumented(t *testing.T) {
	for _, file := range []string{"messages.go", "router.go"} {
		parsed, err := parser.ParseFile(token.NewFileSet(), file, nil, parser.ParseComments)
		if err != nil {
			t.Fatalf("parse %s: %v", file, err)
		}
		for _, decl := range parsed.Decls {
			general, ok := decl.(*ast.GenDecl)
			if !ok || general.Tok == token.IMPORT {
				continue
			}
			for _, spec := range general.Specs {
				switch typed := spec.(type) {
				case *ast.TypeSpec:
					if typed.Name.IsExported() && typed.Doc == nil && general.Doc == nil {
						t.Errorf("%s: type %s has no doc comment", file, typed.Name.Name)
					}
				case *ast.ValueSpec:
					for _, name := range typed.Names {
						if name.IsExported() && typed.Doc == nil && general.Doc == nil {
							t.Errorf("%s: %s has no doc comment", file, name.Name)
						}
					}
				}
			}
		}
	}
}
