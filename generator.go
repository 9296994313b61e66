package schemagen

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"go/token"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/iancoleman/strcase"
	"github.com/jackc/pgx/v5"
	"golang.org/x/tools/imports"
)

// GeneratedHeader marks files owned by the generator; only such files are ever removed
const GeneratedHeader = "// Code generated by schemagen. DO NOT EDIT."

const pgtypeImport = "github.com/jackc/pgx/v5/pgtype"

//go:embed assets/*.go.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "assets/*.go.tmpl"))

type (
	// Artifact is one generated source file
	Artifact struct {
		Identifier string
		Class      ArtifactClass
		Object     SchemaObject
		Package    string
		Dir        string // Relative to the output directory; empty when a single schema is generated
		FileName   string
		Source     []byte
	}

	// Generator turns a schema snapshot into Go source artifacts
	Generator struct {
		strategy     *NamingStrategy
		excludes     []*regexp.Regexp
		historyTable string
		pkg          string
		logger       *slog.Logger
	}

	templateColumn struct {
		Column
		Field  string
		Setter string
		GoType string
	}

	templateData struct {
		Package    string
		Identifier string
		Object     SchemaObject
		Qualified  string
		NextVal    string
		Columns    []templateColumn
		Imports    []string
	}
)

// NewGenerator builds a generator from the naming, exclusion and package settings of cfg
func NewGenerator(cfg *Config, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	strategy, err := NewNamingStrategy(cfg.Naming)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingConfiguration, err)
	}

	g := &Generator{
		strategy:     strategy,
		historyTable: cfg.HistoryTable,
		pkg:          cfg.Package,
		logger:       logger,
	}
	for _, pattern := range cfg.Excludes {
		re, err := compileAnchored(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid exclude %q: %v", ErrMissingConfiguration, pattern, err)
		}
		g.excludes = append(g.excludes, re)
	}

	return g, nil
}

// Generate introspects schemas through db and writes the artifacts to outputDir
func (g *Generator) Generate(ctx context.Context, db Database, schemas []string, outputDir string) ([]Artifact, error) {
	snapshot, err := db.Introspect(ctx, schemas)
	if err != nil {
		if !errors.Is(err, ErrIntrospection) {
			err = fmt.Errorf("%w: %w", ErrIntrospection, err)
		}
		return nil, err
	}

	artifacts, err := g.Plan(snapshot)
	if err != nil {
		return nil, err
	}

	if err := g.Write(outputDir, artifacts); err != nil {
		return nil, err
	}

	return artifacts, nil
}

// Plan renders the artifacts for a snapshot. It is a pure function of the snapshot and the
// generator settings: the same inputs produce byte-identical artifacts in the same order.
func (g *Generator) Plan(snapshot *Snapshot) ([]Artifact, error) {
	multi := len(snapshot.Schemas) > 1

	// The history table lives in the first schema; same-named tables elsewhere are user tables
	historySchema := ""
	if len(snapshot.Schemas) > 0 {
		historySchema = snapshot.Schemas[0]
	}

	objects := make([]SchemaObject, 0, len(snapshot.Objects))
	for _, o := range snapshot.Objects {
		if g.excluded(o, historySchema) {
			continue
		}
		objects = append(objects, o)
	}
	sort.SliceStable(objects, func(i, j int) bool {
		a, b := objects[i], objects[j]
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})

	var artifacts []Artifact
	for _, o := range objects {
		namings, err := g.strategy.Identifiers(o.Kind, o.Name)
		if err != nil {
			return nil, err
		}

		pkg, dir := g.pkg, ""
		if multi {
			pkg, dir = schemaPackage(o.Schema), o.Schema
		}

		for _, n := range namings {
			artifacts = append(artifacts, Artifact{
				Identifier: n.Identifier,
				Class:      n.Class,
				Object:     o,
				Package:    pkg,
				Dir:        dir,
				FileName:   strcase.ToSnake(n.Identifier) + ".go",
			})
		}
	}

	if err := checkCollisions(artifacts); err != nil {
		return nil, err
	}

	for i := range artifacts {
		src, err := renderArtifact(artifacts[i])
		if err != nil {
			return nil, err
		}
		artifacts[i].Source = src
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].Dir != artifacts[j].Dir {
			return artifacts[i].Dir < artifacts[j].Dir
		}
		return artifacts[i].FileName < artifacts[j].FileName
	})

	return artifacts, nil
}

// Write stores artifacts under outputDir and removes previously generated files that are no longer produced.
// Files whose content is unchanged are not rewritten.
func (g *Generator) Write(outputDir string, artifacts []Artifact) error {
	wanted := make(map[string]map[string]bool)
	wanted[""] = make(map[string]bool)
	for _, a := range artifacts {
		if wanted[a.Dir] == nil {
			wanted[a.Dir] = make(map[string]bool)
		}
		wanted[a.Dir][a.FileName] = true
	}

	for _, a := range artifacts {
		dir := filepath.Join(outputDir, a.Dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}

		path := filepath.Join(dir, a.FileName)
		if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, a.Source) {
			continue
		}
		if err := os.WriteFile(path, a.Source, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		g.logger.Debug("artifact written", "path", path)
	}

	dirs := make([]string, 0, len(wanted))
	for dir := range wanted {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := g.removeStale(filepath.Join(outputDir, dir), wanted[dir]); err != nil {
			return err
		}
	}

	return nil
}

// removeStale deletes generated files in dir that are not in keep
func (g *Generator) removeStale(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read output directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") || keep[entry.Name()] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !bytes.HasPrefix(content, []byte(GeneratedHeader)) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale artifact %s: %w", path, err)
		}
		g.logger.Info("removed stale artifact", "path", path)
	}
	return nil
}

func (g *Generator) excluded(o SchemaObject, historySchema string) bool {
	if o.Kind == KindTable && o.Name == g.historyTable && (historySchema == "" || o.Schema == historySchema) {
		return true
	}
	for _, re := range g.excludes {
		if re.MatchString(o.Name) {
			return true
		}
	}
	return false
}

// checkCollisions rejects two artifacts sharing an identifier or a file name (case-insensitively) in one package
func checkCollisions(artifacts []Artifact) error {
	type key struct{ dir, name string }
	identifiers := make(map[key]Artifact)
	files := make(map[key]Artifact)

	for _, a := range artifacts {
		if prev, ok := identifiers[key{a.Dir, a.Identifier}]; ok {
			return fmt.Errorf("%w: %s %s.%s and %s %s.%s both map to %s",
				ErrNamingCollision, prev.Object.Kind, prev.Object.Schema, prev.Object.Name,
				a.Object.Kind, a.Object.Schema, a.Object.Name, a.Identifier)
		}
		identifiers[key{a.Dir, a.Identifier}] = a

		fk := key{a.Dir, strings.ToLower(a.FileName)}
		if prev, ok := files[fk]; ok {
			return fmt.Errorf("%w: %s and %s both map to file %s",
				ErrNamingCollision, prev.Identifier, a.Identifier, a.FileName)
		}
		files[fk] = a
	}
	return nil
}

func renderArtifact(a Artifact) ([]byte, error) {
	data := templateData{
		Package:    a.Package,
		Identifier: a.Identifier,
		Object:     a.Object,
		Qualified:  pgx.Identifier{a.Object.Schema, a.Object.Name}.Sanitize(),
	}

	var name string
	switch a.Class {
	case ClassTable:
		name = "table.go.tmpl"
		data.Columns = columnsOf(a.Object, false)
	case ClassRecord:
		name = "record.go.tmpl"
		data.Columns = columnsOf(a.Object, true)
		data.Imports = importsOf(data.Columns)
		if err := assignSetters(a, data.Columns); err != nil {
			return nil, err
		}
	case ClassSequence:
		name = "sequence.go.tmpl"
		data.NextVal = fmt.Sprintf("SELECT nextval('%s')", strings.ReplaceAll(data.Qualified, "'", "''"))
	default:
		return nil, fmt.Errorf("unknown artifact class %q", a.Class)
	}

	fields := make(map[string]string)
	for _, c := range data.Columns {
		if prev, ok := fields[c.Field]; ok {
			return nil, fmt.Errorf("%w: columns %q and %q of %s.%s both map to field %s",
				ErrNamingCollision, prev, c.Name, a.Object.Schema, a.Object.Name, c.Field)
		}
		fields[c.Field] = c.Name
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", a.Identifier, err)
	}

	src, err := imports.Process(a.FileName, buf.Bytes(), &imports.Options{
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
		FormatOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format %s: %w", a.Identifier, err)
	}
	return src, nil
}

func columnsOf(o SchemaObject, typed bool) []templateColumn {
	cols := make([]Column, len(o.Columns))
	copy(cols, o.Columns)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Ordinal < cols[j].Ordinal })

	out := make([]templateColumn, len(cols))
	for i, c := range cols {
		out[i] = templateColumn{Column: c, Field: fieldName(c.Name)}
		if typed {
			out[i].GoType = GoType(c.Type, c.Nullable)
		}
	}
	return out
}

func importsOf(cols []templateColumn) []string {
	set := make(map[string]bool)
	for _, c := range cols {
		switch {
		case strings.Contains(c.GoType, "pgtype."):
			set[pgtypeImport] = true
		case strings.Contains(c.GoType, "time."):
			set["time"] = true
		}
	}
	out := make([]string, 0, len(set))
	for imp := range set {
		out = append(out, imp)
	}
	sort.Strings(out)
	return out
}

// recordMethods are declared on every record type, so no field may take their names
var recordMethods = map[string]bool{"TableName": true}

// assignSetters names the fluent setter of every record field. A field that would shadow a method
// (TableName, or the setter of another field) gets a trailing underscore.
func assignSetters(a Artifact, cols []templateColumn) error {
	setterOf := func(field string) string { return "Set" + field }

	taken := func(i int, name string) bool {
		if recordMethods[name] {
			return true
		}
		for j, c := range cols {
			if j != i && setterOf(c.Field) == name {
				return true
			}
		}
		return false
	}
	for i := range cols {
		if taken(i, cols[i].Field) {
			cols[i].Field += "_"
		}
	}

	fields := make(map[string]string, len(cols))
	for _, c := range cols {
		fields[c.Field] = c.Name
	}
	for i := range cols {
		cols[i].Setter = setterOf(cols[i].Field)
		if prev, ok := fields[cols[i].Setter]; ok || recordMethods[cols[i].Setter] {
			return fmt.Errorf("%w: setter %s of column %q in %s.%s clashes with column %q",
				ErrNamingCollision, cols[i].Setter, cols[i].Name, a.Object.Schema, a.Object.Name, prev)
		}
		if taken(i, cols[i].Field) {
			return fmt.Errorf("%w: field %s of column %q in %s.%s clashes with a method of %s",
				ErrNamingCollision, cols[i].Field, cols[i].Name, a.Object.Schema, a.Object.Name, a.Identifier)
		}
	}
	return nil
}

func fieldName(column string) string {
	name := strcase.ToCamel(column)
	if !token.IsIdentifier(name) || !token.IsExported(name) {
		name = "C" + name
	}
	if !token.IsIdentifier(name) {
		name = "C" + strings.Map(func(r rune) rune {
			if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
				return r
			}
			return '_'
		}, column)
	}
	return name
}

func schemaPackage(schema string) string {
	name := strings.ToLower(strcase.ToSnake(schema))
	name = strings.ReplaceAll(name, "_", "")
	if !token.IsIdentifier(name) || token.IsKeyword(name) {
		name = "schema" + name
	}
	return name
}

// GoType maps a Postgres type name (udt_name) to the Go type used in record artifacts
func GoType(udt string, nullable bool) string {
	if strings.HasPrefix(udt, "_") {
		elem := GoType(strings.TrimPrefix(udt, "_"), false)
		if elem == "any" {
			return "[]any"
		}
		return "[]" + elem
	}

	if nullable {
		if t, ok := nullableTypes[udt]; ok {
			return t
		}
	}
	if t, ok := scalarTypes[udt]; ok {
		return t
	}
	return "any"
}

var scalarTypes = map[string]string{
	"bool":        "bool",
	"int2":        "int16",
	"int4":        "int32",
	"int8":        "int64",
	"float4":      "float32",
	"float8":      "float64",
	"numeric":     "pgtype.Numeric",
	"money":       "string",
	"text":        "string",
	"varchar":     "string",
	"bpchar":      "string",
	"name":        "string",
	"citext":      "string",
	"bytea":       "[]byte",
	"json":        "[]byte",
	"jsonb":       "[]byte",
	"uuid":        "pgtype.UUID",
	"date":        "time.Time",
	"timestamp":   "time.Time",
	"timestamptz": "time.Time",
	"time":        "pgtype.Time",
	"interval":    "pgtype.Interval",
	"inet":        "string",
	"cidr":        "string",
}

var nullableTypes = map[string]string{
	"bool":        "pgtype.Bool",
	"int2":        "pgtype.Int2",
	"int4":        "pgtype.Int4",
	"int8":        "pgtype.Int8",
	"float4":      "pgtype.Float4",
	"float8":      "pgtype.Float8",
	"money":       "pgtype.Text",
	"text":        "pgtype.Text",
	"varchar":     "pgtype.Text",
	"bpchar":      "pgtype.Text",
	"name":        "pgtype.Text",
	"citext":      "pgtype.Text",
	"date":        "pgtype.Date",
	"timestamp":   "pgtype.Timestamp",
	"timestamptz": "pgtype.Timestamptz",
	"inet":        "pgtype.Text",
	"cidr":        "pgtype.Text",
}
