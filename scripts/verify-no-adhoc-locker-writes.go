package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"
)

// guardedTable is the only table whose row mutations must flow through the
// statemgr optimistic-concurrency CAS (UPDATE ... WHERE version = ?) so the
// locker_owner uniqueness invariant and the state machine's transition
// table stay the single source of truth for what a locker's status means.
const guardedTable = "locker"

// guardedPackageSuffix is the one package allowed to write guardedTable.
const guardedPackageSuffix = "/internal/locker/statemgr"

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedSyntax | packages.NeedFiles | packages.NeedTypes | packages.NeedName,
		Dir:  ".",
	}
	pkgs, err := packages.Load(cfg, "./internal/...")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load packages: %v\n", err)
		os.Exit(1)
	}

	var violations []string
	for _, pkg := range pkgs {
		if strings.HasSuffix(pkg.PkgPath, guardedPackageSuffix) {
			continue
		}
		for i, file := range pkg.Syntax {
			filename := ""
			if i < len(pkg.CompiledGoFiles) {
				filename = pkg.CompiledGoFiles[i]
			} else if i < len(pkg.GoFiles) {
				filename = pkg.GoFiles[i]
			}
			if filename == "" || strings.HasSuffix(filename, "_test.go") {
				continue
			}

			ast.Inspect(file, func(n ast.Node) bool {
				lit, ok := n.(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					return true
				}
				s, err := rawStringValue(lit)
				if err != nil {
					return true
				}
				if containsGuardedWrite(s) {
					violations = append(violations, fmt.Sprintf(
						"%s:%d: raw SQL write to %q outside statemgr (use statemgr.Manager methods)",
						filename, lit.Pos(), guardedTable))
				}
				return true
			})
		}
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "ad-hoc locker table writes found:")
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, v)
		}
		os.Exit(1)
	}
}

// guardedWrite matches a write verb followed directly by the guarded table
// name, so columns such as locker_id in other tables do not match.
var guardedWrite = regexp.MustCompile(`(?i)\b(UPDATE|INSERT\s+INTO|DELETE\s+FROM)\s+` + guardedTable + `\b`)

func containsGuardedWrite(sql string) bool {
	return guardedWrite.MatchString(sql)
}

func rawStringValue(lit *ast.BasicLit) (string, error) {
	return strconv.Unquote(lit.Value)
}
