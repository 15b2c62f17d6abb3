// Package luacheck parses Lua sources before they are handed to aos so that
// syntax errors surface before the process is launched.
//
// Parsing uses gopher-lua, which implements the Lua 5.1 grammar. Sources that
// rely on 5.3 operators (integer division, bitwise ops) are reported too, so
// callers treat problems as warnings unless asked to be strict.
package luacheck

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yuin/gopher-lua/parse"
)

// Problem is a file that failed to parse.
type Problem struct {
	File string
	Line int // 0 when unknown
	Err  error
}

func (p Problem) String() string {
	if p.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", p.File, p.Line, p.Err)
	}
	return fmt.Sprintf("%s: %v", p.File, p.Err)
}

// Check parses a single Lua file.
func Check(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := parse.Parse(bufio.NewReader(f), path); err != nil {
		return err
	}
	return nil
}

// CheckAll parses every file (relative to root) and returns the ones that fail.
func CheckAll(root string, files []string) []Problem {
	var problems []Problem
	for _, rel := range files {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, rel)
		}
		if err := Check(path); err != nil {
			problems = append(problems, Problem{File: rel, Line: lineOf(err), Err: err})
		}
	}
	return problems
}

func lineOf(err error) int {
	var perr *parse.Error
	if errors.As(err, &perr) {
		return perr.Pos.Line
	}
	return 0
}
