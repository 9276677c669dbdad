package graph

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"path/filepath"
	"runtime"
	"sync"
)

// FingerprintMode selects how a function's code enters its cache key.
type FingerprintMode int

const (
	// FingerprintSource hashes the printed source of the function body, so
	// edits invalidate cached results without a version bump. Comments and
	// formatting do not count. Without readable source it falls back to file:line.
	FingerprintSource FingerprintMode = iota

	// FingerprintNone leaves code identity to the name and explicit version.
	FingerprintNone
)

func (m FingerprintMode) String() string {
	switch m {
	case FingerprintSource:
		return "source"
	case FingerprintNone:
		return "none"
	default:
		return "unknown"
	}
}

var errNoSource = errors.New("function source not found")

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
	err  error
}

var (
	parsedMu    sync.Mutex
	parsedFiles = make(map[string]*parsedFile)
)

func sourceFingerprint(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}

	file, line := fn.FileLine(fn.Entry())

	body, err := functionSource(file, line)
	if err != nil {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	sum := sha256.Sum256(body)

	return hex.EncodeToString(sum[:])
}

func parse(path string) (*token.FileSet, *ast.File, error) {
	parsedMu.Lock()
	defer parsedMu.Unlock()

	if pf, ok := parsedFiles[path]; ok {
		return pf.fset, pf.file, pf.err
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	parsedFiles[path] = &parsedFile{fset: fset, file: file, err: err}

	return fset, file, err
}

// functionSource prints the innermost function declaration or literal that
// encloses line.
func functionSource(path string, line int) ([]byte, error) {
	fset, file, err := parse(path)
	if err != nil {
		return nil, err
	}

	var found ast.Node

	ast.Inspect(file, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.FuncDecl, *ast.FuncLit:
			start := fset.Position(n.Pos()).Line
			end := fset.Position(n.End()).Line

			if start <= line && line <= end {
				found = n
			}
		}

		return true
	})

	if found == nil {
		return nil, errNoSource
	}

	var buf bytes.Buffer

	err = printer.Fprint(&buf, fset, found)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
