package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/easytrigger/internal/domain"
)

const FileSchemaVersionV1 = "1.0"

// File is the top-level shape of a YAML rule file.
type File struct {
	SchemaVersion string       `yaml:"schemaVersion"`
	Triggers      []Definition `yaml:"triggers"`
}

// ImportResult summarizes a rule file import.
type ImportResult struct {
	Created int
	Updated int
}

// ParseFile decodes a rule file and builds every trigger in it. All
// definitions are checked before any is returned; errors are reported with
// a "triggers[i]." prefix.
func ParseFile(r io.Reader) ([]domain.Trigger, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rule file: %w", err)
	}

	if f.SchemaVersion != "" && f.SchemaVersion != FileSchemaVersionV1 {
		return nil, fmt.Errorf("unsupported rule file schemaVersion %q", f.SchemaVersion)
	}

	var errs domain.ValidationErrors
	seen := make(map[string]int)
	triggers := make([]domain.Trigger, 0, len(f.Triggers))

	for i, def := range f.Triggers {
		prefix := fmt.Sprintf("triggers[%d]", i)
		if def.ID == "" {
			errs.Add(prefix+".id", "required in rule files")
		} else if first, dup := seen[def.ID]; dup {
			errs.Add(prefix+".id", "duplicates triggers[%d]", first)
		} else {
			seen[def.ID] = i
		}

		t, err := Build(def)
		if err != nil {
			verrs, ok := domain.AsValidationErrors(err)
			if !ok {
				return nil, err
			}
			for _, e := range verrs {
				errs.Add(prefix+"."+e.Field, "%s", e.Reason)
			}
			continue
		}
		triggers = append(triggers, t)
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return triggers, nil
}

// Import upserts every trigger of a rule file by id.
func (s *Service) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult

	triggers, err := ParseFile(r)
	if err != nil {
		return res, err
	}

	for _, t := range triggers {
		_, err := s.store.GetTrigger(ctx, t.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if _, err := s.Create(ctx, t); err != nil {
				return res, fmt.Errorf("trigger %s: %w", t.ID, err)
			}
			res.Created++
		case err != nil:
			return res, fmt.Errorf("trigger %s: %w", t.ID, err)
		default:
			if _, err := s.Update(ctx, t); err != nil {
				return res, fmt.Errorf("trigger %s: %w", t.ID, err)
			}
			res.Updated++
		}
	}

	log.Printf("rules: imported %d triggers (created=%d, updated=%d)", len(triggers), res.Created, res.Updated)
	return res, nil
}
