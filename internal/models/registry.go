package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/uuid"
)

// EntityType names a synced collection on the wire, e.g. "captures".
type EntityType string

const (
	EntityCaptures  EntityType = "captures"
	EntityTags      EntityType = "tags"
	EntityReminders EntityType = "reminders"
)

// FieldKind constrains the JSON type of a domain field.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldBool
	FieldStringList
)

func (k FieldKind) String() string {
	switch k {
	case FieldString:
		return "string"
	case FieldNumber:
		return "number"
	case FieldBool:
		return "bool"
	case FieldStringList:
		return "string list"
	}
	return "unknown"
}

// EntitySchema describes one synced entity type.
type EntitySchema struct {
	Type     EntityType
	Table    string
	Fields   map[string]FieldKind
	Required []string
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Registry is the set of entity types known to the sync protocol.
type Registry struct {
	schemas map[EntityType]*EntitySchema
}

// NewRegistry builds a registry. Table names are interpolated into SQL, so
// they are restricted to lower-case identifiers.
func NewRegistry(schemas ...*EntitySchema) (*Registry, error) {
	r := &Registry{schemas: make(map[EntityType]*EntitySchema, len(schemas))}
	for _, s := range schemas {
		if s.Type == "" {
			return nil, fmt.Errorf("entity schema without type")
		}
		if !tableName.MatchString(s.Table) {
			return nil, fmt.Errorf("invalid table name %q for entity %s", s.Table, s.Type)
		}
		if _, dup := r.schemas[s.Type]; dup {
			return nil, fmt.Errorf("entity %s registered twice", s.Type)
		}
		for _, f := range s.Required {
			if _, ok := s.Fields[f]; !ok {
				return nil, fmt.Errorf("entity %s: required field %q is not declared", s.Type, f)
			}
		}
		r.schemas[s.Type] = s
	}
	return r, nil
}

// DefaultRegistry returns the capture application's entity types.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		&EntitySchema{
			Type:  EntityCaptures,
			Table: "captures",
			Fields: map[string]FieldKind{
				"title":       FieldString,
				"transcript":  FieldString,
				"audio_path":  FieldString,
				"duration_ms": FieldNumber,
				"summary":     FieldString,
				"tags":        FieldStringList,
				"favorite":    FieldBool,
			},
			Required: []string{"title"},
		},
		&EntitySchema{
			Type:  EntityTags,
			Table: "tags",
			Fields: map[string]FieldKind{
				"name":  FieldString,
				"color": FieldString,
			},
			Required: []string{"name"},
		},
		&EntitySchema{
			Type:  EntityReminders,
			Table: "reminders",
			Fields: map[string]FieldKind{
				"title":      FieldString,
				"due_at":     FieldNumber,
				"capture_id": FieldString,
				"done":       FieldBool,
			},
			Required: []string{"title", "due_at"},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the schema for t.
func (r *Registry) Lookup(t EntityType) (*EntitySchema, error) {
	s, ok := r.schemas[t]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownEntity, "unknown entity type %q", t)
	}
	return s, nil
}

// Types returns all registered types in a stable order.
func (r *Registry) Types() []EntityType {
	types := make([]EntityType, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Schemas returns all registered schemas in Types() order.
func (r *Registry) Schemas() []*EntitySchema {
	types := r.Types()
	out := make([]*EntitySchema, 0, len(types))
	for _, t := range types {
		out = append(out, r.schemas[t])
	}
	return out
}

// Validate checks an incoming record against the schema. Deleted records
// only need a valid id.
func (s *EntitySchema) Validate(rec *Record) error {
	if rec == nil {
		return apperrors.New(apperrors.ErrValidation, "record is null")
	}
	if err := uuid.Validate(string(rec.ID)); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid record id", err)
	}
	switch rec.Status {
	case StatusActive:
	case StatusDeleted:
		return nil
	default:
		return apperrors.Newf(apperrors.ErrValidation, "invalid status %q", rec.Status)
	}

	for name, value := range rec.Fields {
		kind, ok := s.Fields[name]
		if !ok {
			return apperrors.Newf(apperrors.ErrValidation, "unknown field %q for %s", name, s.Type)
		}
		if value == nil {
			continue
		}
		if !kindMatches(kind, value) {
			return apperrors.Newf(apperrors.ErrValidation, "field %q must be a %s", name, kind)
		}
	}
	for _, name := range s.Required {
		v, ok := rec.Fields[name]
		if !ok || v == nil {
			return apperrors.Newf(apperrors.ErrValidation, "missing required field %q", name)
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			return apperrors.Newf(apperrors.ErrValidation, "required field %q is empty", name)
		}
	}
	return nil
}

func kindMatches(kind FieldKind, v interface{}) bool {
	switch kind {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldStringList:
		switch list := v.(type) {
		case []string:
			return true
		case []interface{}:
			for _, item := range list {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}
