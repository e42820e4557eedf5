// Package program defines program identifiers and the collaborators that resolve them to source text.
//
// A program identifier is the only key shared by the execution registry, the live output channels,
// the replay buffers and the SQL tables, so every identifier coming from outside the process
// must pass through Normalize before it is used for anything.
package program

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SourceSuffix is stripped from identifiers that arrive as file names.
const SourceSuffix = ".py"

var (
	ErrInvalidID = errors.New("invalid program identifier")
	ErrNotFound  = errors.New("program not found")
)

// Lister enumerates the identifiers of all runnable programs.
type Lister interface {
	Programs(ctx context.Context) ([]string, error)
}

// Provider returns the current source text of a program, or ErrNotFound.
type Provider interface {
	Source(ctx context.Context, id string) (string, error)
}

// Catalog is both a Lister and a Provider.
type Catalog interface {
	Lister
	Provider
}

func isSeparator(r rune) bool { return r == '/' || r == '\\' }

// Normalize reduces name to a bare program identifier.
// Directory components and a trailing SourceSuffix are stripped.
// Names that try to traverse directories ("../etc"), are empty, or still contain a separator are rejected with ErrInvalidID.
func Normalize(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, name)
	}
	for _, elem := range strings.FieldsFunc(name, isSeparator) {
		if elem == ".." {
			return "", fmt.Errorf("%w: %q traverses directories", ErrInvalidID, name)
		}
	}

	base := name
	if i := strings.LastIndexFunc(base, isSeparator); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, SourceSuffix)

	if base == "" || base == "." || base == ".." || strings.ContainsFunc(base, isSeparator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, name)
	}
	return base, nil
}
