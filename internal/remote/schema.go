package remote

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jpaulsen/localsync-go/internal/record"
)

const schemaSuffix = ".schema.json"

// Validator checks record payloads against per-collection JSON Schemas
// before they are pushed. Collections without a schema pass unchecked.
type Validator struct {
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// LoadValidator compiles every *.schema.json file in dir. The file stem is
// the collection name: notes.schema.json validates records in the "notes"
// collection. A missing or empty dir yields a validator that accepts
// everything.
func LoadValidator(dir string, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := &Validator{
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}

	if dir == "" {
		return v, nil
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return v, nil
	}

	if err := v.loadFS(os.DirFS(dir)); err != nil {
		return nil, fmt.Errorf("remote: loading schemas from %s: %w", dir, err)
	}

	return v, nil
}

// LoadValidatorFS is like LoadValidator but reads schemas from an fs.FS.
func LoadValidatorFS(fsys fs.FS, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := &Validator{
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}

	if err := v.loadFS(fsys); err != nil {
		return nil, fmt.Errorf("remote: loading schemas: %w", err)
	}

	return v, nil
}

func (v *Validator) loadFS(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading schema dir: %w", err)
	}

	compiler := jsonschema.NewCompiler()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), schemaSuffix) {
			continue
		}

		collection := strings.TrimSuffix(entry.Name(), schemaSuffix)

		raw, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}

		if err := compiler.AddResource(entry.Name(), doc); err != nil {
			return fmt.Errorf("registering %s: %w", entry.Name(), err)
		}

		schema, err := compiler.Compile(entry.Name())
		if err != nil {
			return fmt.Errorf("compiling %s: %w", entry.Name(), err)
		}

		v.schemas[collection] = schema
		v.logger.Debug("loaded payload schema", slog.String("collection", collection))
	}

	return nil
}

// HasSchema reports whether the collection has a compiled schema.
func (v *Validator) HasSchema(collection string) bool {
	_, ok := v.schemas[collection]

	return ok
}

// Validate checks a payload against its collection's schema. Violations
// are returned wrapped in ErrRejected so callers can mark the change
// permanently failed instead of retrying it forever.
func (v *Validator) Validate(id string, payload []byte) error {
	schema, ok := v.schemas[record.Collection(id)]
	if !ok {
		return nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("remote: payload for %s is not valid JSON: %w: %w", id, ErrRejected, err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("remote: payload for %s violates schema: %w: %w", id, ErrRejected, err)
	}

	return nil
}
