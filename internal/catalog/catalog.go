// Package catalog loads user-supplied map catalogue files. Files are
// YAML validated against an embedded CUE schema, so a malformed or
// out-of-contract catalogue is rejected with a position-bearing error
// before it can reach an engine.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/openecu/tunegate/internal/ecu"
)

//go:embed schema.cue
var schemaSource string

// Catalogue is one validated catalogue file: extra map definitions for
// a single engine variant.
type Catalogue struct {
	Engine string
	Maps   []ecu.MapDefinition
}

type fileDoc struct {
	Engine string     `json:"engine"`
	Maps   []mapEntry `json:"maps"`
}

type mapEntry struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Address        uint32  `json:"address"`
	Rows           int     `json:"rows"`
	Cols           int     `json:"cols"`
	RowAxis        string  `json:"row_axis"`
	ColAxis        string  `json:"col_axis"`
	Unit           string  `json:"unit"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Scale          float64 `json:"scale"`
	Offset         float64 `json:"offset"`
	SafetyCritical bool    `json:"safety_critical"`
	RequiresFlash  bool    `json:"requires_flash"`
	ReadOnly       bool    `json:"read_only"`
}

// LoadFile parses and validates one catalogue file.
func LoadFile(path string) (Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read catalogue: %w", err)
	}
	return parse(path, data)
}

// parse validates YAML bytes against the schema and decodes them.
func parse(filename string, data []byte) (Catalogue, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Catalogue{}, fmt.Errorf("compile catalogue schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return Catalogue{}, fmt.Errorf("parse %s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return Catalogue{}, fmt.Errorf("build %s: %w", filename, err)
	}

	unified := schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return Catalogue{}, fmt.Errorf("catalogue %s does not satisfy schema: %w", filename, err)
	}

	var raw fileDoc
	if err := unified.Decode(&raw); err != nil {
		return Catalogue{}, fmt.Errorf("decode %s: %w", filename, err)
	}

	cat := Catalogue{Engine: raw.Engine, Maps: make([]ecu.MapDefinition, 0, len(raw.Maps))}
	seen := make(map[string]bool, len(raw.Maps))
	for _, m := range raw.Maps {
		if seen[m.ID] {
			return Catalogue{}, fmt.Errorf("catalogue %s defines map %q twice", filename, m.ID)
		}
		seen[m.ID] = true
		cat.Maps = append(cat.Maps, ecu.MapDefinition{
			ID:      m.ID,
			Name:    m.Name,
			Type:    ecu.MapType(m.Type),
			Address: m.Address,
			Shape:   ecu.MapShape{Rows: m.Rows, Cols: m.Cols, RowAxis: m.RowAxis, ColAxis: m.ColAxis},
			Unit:    m.Unit,
			Min:     m.Min,
			Max:     m.Max,
			Scale:   m.Scale,
			Offset:  m.Offset,
			SafetyCritical: m.SafetyCritical,
			RequiresFlash:  m.RequiresFlash,
			ReadOnly:       m.ReadOnly,
		})
	}
	return cat, nil
}

// LoadDir loads every .yaml/.yml catalogue in a directory, sorted by
// filename so merge order is stable.
func LoadDir(dir string) ([]Catalogue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalogue directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Catalogue, 0, len(names))
	for _, name := range names {
		cat, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, nil
}
