package validation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// reservedTablePrefixes are table name prefixes a database keeps for itself
var reservedTablePrefixes = []string{"sqlite_", "pg_"}

// IsReservedTableName reports whether a collection name would collide with
// a database's internal tables
func IsReservedTableName(name string) bool {
	for _, prefix := range reservedTablePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// IsIdentifier reports whether s is a valid collection, field or block name
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Validator validates collection definitions against the full loaded set
type Validator struct {
	known map[string]bool
}

// NewValidator creates a validator. known is the full set of loaded
// collection names; relationship targets must resolve within it, which allows
// forward references between collections.
func NewValidator(known []string) *Validator {
	v := &Validator{known: make(map[string]bool, len(known))}
	for _, name := range known {
		v.known[name] = true
	}
	return v
}

// ValidateCollectionConfig validates one module against the given set of
// known collection names
func ValidateCollectionConfig(mod *loader.Module, known []string) (*schema.Collection, Errors) {
	return NewValidator(known).Validate(mod)
}

// checkFunc reports the violations of one rule class
type checkFunc func(def *loader.Definition) *ValidationError

// Validate applies every rule class in order. Each class reports at most its
// first violation; all classes run regardless of earlier failures. A nil
// error list means the returned collection is fully populated.
func (v *Validator) Validate(mod *loader.Module) (*schema.Collection, Errors) {
	def := mod.Definition
	if def == nil {
		return nil, Errors{{
			Collection: mod.Name,
			Rule:       RuleName,
			Message:    "definition is empty",
		}}
	}

	checks := map[Rule]checkFunc{
		RuleName:           v.checkName,
		RuleFieldType:      v.checkFieldTypes,
		RuleDuplicateField: v.checkDuplicates,
		RuleRelationship:   v.checkRelationships,
		RuleBlocks:         v.checkBlocks,
		RuleFieldOptions:   v.checkFieldOptions,
	}

	var errs Errors
	for _, rule := range ruleOrder {
		if err := checks[rule](def); err != nil {
			err.Rule = rule
			if err.Collection == "" {
				err.Collection = def.Name
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return build(mod), nil
}

func (v *Validator) checkName(def *loader.Definition) *ValidationError {
	if !IsIdentifier(def.Name) {
		return &ValidationError{
			Message: fmt.Sprintf("invalid collection name %q", def.Name),
			Hint:    "Use lowercase letters, digits and underscores, starting with a letter",
		}
	}
	if IsReservedTableName(def.Name) {
		return &ValidationError{
			Message: fmt.Sprintf("collection name %q uses a reserved prefix", def.Name),
			Hint:    "Names starting with sqlite_ or pg_ belong to the database",
		}
	}
	if len(def.Fields) == 0 && len(def.Relationships) == 0 {
		return &ValidationError{
			Message: "collection declares no fields",
		}
	}
	return nil
}

func (v *Validator) checkFieldTypes(def *loader.Definition) *ValidationError {
	check := func(scope string, fields []loader.FieldDefinition) *ValidationError {
		for _, f := range fields {
			if _, err := schema.ParseFieldType(f.Type); err != nil {
				return &ValidationError{
					Field:   scope + f.Name,
					Message: fmt.Sprintf("unknown field type %q", f.Type),
					Hint:    "Valid types are: " + strings.Join(schema.FieldTypeNames(), ", "),
				}
			}
		}
		return nil
	}

	if err := check("", def.Fields); err != nil {
		return err
	}
	for _, b := range def.Blocks {
		if err := check(b.Name+".", b.Fields); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkDuplicates(def *loader.Definition) *ValidationError {
	seen := make(map[string]bool)
	for _, f := range def.Fields {
		if !IsIdentifier(f.Name) {
			return &ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("invalid field name %q", f.Name),
			}
		}
		if schema.IsSystemColumn(f.Name) {
			return &ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("field name %q is reserved", f.Name),
				Hint:    "id, created_at and updated_at are added to every collection",
			}
		}
		if seen[f.Name] {
			return &ValidationError{
				Field:   f.Name,
				Message: "duplicate field name",
			}
		}
		seen[f.Name] = true
	}

	relSeen := make(map[string]bool)
	for _, r := range def.Relationships {
		if !IsIdentifier(r.Name) {
			return &ValidationError{
				Field:   r.Name,
				Message: fmt.Sprintf("invalid relationship name %q", r.Name),
			}
		}
		if relSeen[r.Name] {
			return &ValidationError{
				Field:   r.Name,
				Message: "duplicate relationship name",
			}
		}
		relSeen[r.Name] = true

		rel := schema.Relationship{Name: r.Name}
		if card, err := schema.ParseCardinality(r.Cardinality); err == nil {
			rel.Cardinality = card
		}
		column := rel.ColumnName()
		if seen[column] {
			return &ValidationError{
				Field:   r.Name,
				Message: fmt.Sprintf("relationship column %q collides with a field", column),
			}
		}
		seen[column] = true
	}

	for _, b := range def.Blocks {
		blockSeen := make(map[string]bool)
		for _, f := range b.Fields {
			if !IsIdentifier(f.Name) {
				return &ValidationError{
					Field:   b.Name + "." + f.Name,
					Message: fmt.Sprintf("invalid field name %q", f.Name),
				}
			}
			if blockSeen[f.Name] {
				return &ValidationError{
					Field:   b.Name + "." + f.Name,
					Message: "duplicate field name in block",
				}
			}
			blockSeen[f.Name] = true
		}
	}

	return nil
}

func (v *Validator) checkRelationships(def *loader.Definition) *ValidationError {
	for _, f := range def.Fields {
		if f.Type != schema.TypeReference.String() {
			if f.Target != "" {
				return &ValidationError{
					Field:   f.Name,
					Message: "target is only allowed on reference fields",
				}
			}
			continue
		}
		if f.Target == "" {
			return &ValidationError{
				Field:   f.Name,
				Message: "reference field has no target",
			}
		}
		if !v.resolves(def.Name, f.Target) {
			return &ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("references unknown collection %s", f.Target),
				Hint:    "Ensure the target collection is defined",
			}
		}
	}

	for _, r := range def.Relationships {
		if _, err := schema.ParseCardinality(r.Cardinality); err != nil {
			return &ValidationError{
				Field:   r.Name,
				Message: err.Error(),
				Hint:    "Valid cardinalities are: one, many",
			}
		}
		if r.Target == "" || !v.resolves(def.Name, r.Target) {
			return &ValidationError{
				Field:   r.Name,
				Message: fmt.Sprintf("relationship targets unknown collection %q", r.Target),
				Hint:    "Ensure the target collection is defined",
			}
		}
	}

	return nil
}

func (v *Validator) resolves(self, target string) bool {
	return target == self || v.known[target]
}

func (v *Validator) checkBlocks(def *loader.Definition) *ValidationError {
	blocks := make(map[string]bool, len(def.Blocks))
	for _, b := range def.Blocks {
		if !IsIdentifier(b.Name) {
			return &ValidationError{
				Field:   b.Name,
				Message: fmt.Sprintf("invalid block name %q", b.Name),
			}
		}
		if blocks[b.Name] {
			return &ValidationError{
				Field:   b.Name,
				Message: "duplicate block name",
			}
		}
		blocks[b.Name] = true

		if len(b.Fields) == 0 {
			return &ValidationError{
				Field:   b.Name,
				Message: "block declares no fields",
			}
		}
		for _, f := range b.Fields {
			switch f.Type {
			case schema.TypeBlocks.String(), schema.TypeReference.String():
				return &ValidationError{
					Field:   b.Name + "." + f.Name,
					Message: fmt.Sprintf("%s fields are not allowed inside blocks", f.Type),
				}
			}
		}
	}

	for _, f := range def.Fields {
		if f.Type != schema.TypeBlocks.String() {
			if len(f.Blocks) > 0 {
				return &ValidationError{
					Field:   f.Name,
					Message: "blocks list is only allowed on blocks fields",
				}
			}
			continue
		}
		if len(def.Blocks) == 0 {
			return &ValidationError{
				Field:   f.Name,
				Message: "blocks field used but the collection defines no blocks",
			}
		}
		for _, name := range f.Blocks {
			if !blocks[name] {
				return &ValidationError{
					Field:   f.Name,
					Message: fmt.Sprintf("unknown block %q", name),
				}
			}
		}
	}

	return nil
}

func (v *Validator) checkFieldOptions(def *loader.Definition) *ValidationError {
	check := func(scope string, f loader.FieldDefinition) *ValidationError {
		ft, err := schema.ParseFieldType(f.Type)
		if err != nil {
			// Reported by the field type rule
			return nil
		}
		name := scope + f.Name

		if ft == schema.TypeSelect && len(f.Options) == 0 {
			return &ValidationError{Field: name, Message: "select field has no options"}
		}
		if ft != schema.TypeSelect && len(f.Options) > 0 {
			return &ValidationError{Field: name, Message: "options are only allowed on select fields"}
		}

		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			return &ValidationError{Field: name, Message: "min_length is greater than max_length"}
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return &ValidationError{Field: name, Message: "min is greater than max"}
		}
		if (f.Min != nil || f.Max != nil) && !ft.IsNumeric() {
			return &ValidationError{Field: name, Message: "min and max only apply to numeric fields"}
		}
		if (f.MinLength != nil || f.MaxLength != nil || f.Pattern != "") && !ft.IsText() {
			return &ValidationError{Field: name, Message: "length and pattern constraints only apply to text fields"}
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				return &ValidationError{Field: name, Message: fmt.Sprintf("invalid pattern: %v", err)}
			}
		}

		if f.Default != nil {
			if _, err := normalizeDefault(ft, f.Default, f.Options); err != nil {
				return &ValidationError{
					Field:   name,
					Message: fmt.Sprintf("default value type mismatch: %v", err),
				}
			}
		}
		return nil
	}

	for _, f := range def.Fields {
		if err := check("", f); err != nil {
			return err
		}
	}
	for _, b := range def.Blocks {
		for _, f := range b.Fields {
			if err := check(b.Name+".", f); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeDefault checks a default value against the field type and returns
// it in canonical Go form
func normalizeDefault(ft schema.FieldType, value interface{}, options []string) (interface{}, error) {
	switch ft {
	case schema.TypeInteger:
		switch n := value.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("expected integer, got %v", n)
			}
			return int64(n), nil
		}
		return nil, fmt.Errorf("expected integer, got %T", value)

	case schema.TypeNumber:
		switch n := value.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)

	case schema.TypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", value)

	case schema.TypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected date string, got %T", value)
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, fmt.Errorf("expected date in YYYY-MM-DD form, got %q", s)
		}
		return s, nil

	case schema.TypeDateTime:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected datetime string, got %T", value)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, fmt.Errorf("expected RFC 3339 datetime, got %q", s)
		}
		return s, nil

	case schema.TypeSelect:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for select, got %T", value)
		}
		for _, opt := range options {
			if opt == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %s not in options %v", s, options)

	case schema.TypeJSON, schema.TypeMedia, schema.TypeBlocks:
		return value, nil

	default:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)
	}
}

// build converts a definition that passed every rule into a collection.
// Block and relationship lists are sorted by name so that equal definitions
// always produce equal collections.
func build(mod *loader.Module) *schema.Collection {
	def := mod.Definition
	c := &schema.Collection{
		Name:        def.Name,
		Label:       def.Label,
		Description: def.Description,
		Origin:      mod.Origin,
		Fields:      buildFields(def.Fields),
	}
	if c.Label == "" {
		c.Label = def.Name
	}

	for _, b := range def.Blocks {
		c.Blocks = append(c.Blocks, &schema.BlockDefinition{
			Name:   b.Name,
			Label:  b.Label,
			Fields: buildFields(b.Fields),
		})
	}
	sort.Slice(c.Blocks, func(i, j int) bool { return c.Blocks[i].Name < c.Blocks[j].Name })

	for _, r := range def.Relationships {
		card, _ := schema.ParseCardinality(r.Cardinality)
		c.Relationships = append(c.Relationships, &schema.Relationship{
			Name:        r.Name,
			Target:      r.Target,
			Cardinality: card,
			Required:    r.Required,
		})
	}
	sort.Slice(c.Relationships, func(i, j int) bool { return c.Relationships[i].Name < c.Relationships[j].Name })

	return c
}

func buildFields(defs []loader.FieldDefinition) []*schema.Field {
	fields := make([]*schema.Field, 0, len(defs))
	for _, f := range defs {
		ft, _ := schema.ParseFieldType(f.Type)
		field := &schema.Field{
			Name:     f.Name,
			Label:    f.Label,
			Type:     ft,
			Required: f.Required,
			Unique:   f.Unique,
			Target:   f.Target,
			Options:  append([]string(nil), f.Options...),
			Constraints: schema.Constraints{
				MinLength: f.MinLength,
				MaxLength: f.MaxLength,
				Min:       f.Min,
				Max:       f.Max,
				Pattern:   f.Pattern,
			},
		}
		if field.Label == "" {
			field.Label = f.Name
		}
		if f.Default != nil {
			field.Default, _ = normalizeDefault(ft, f.Default, f.Options)
		}
		if len(f.Blocks) > 0 {
			field.Blocks = append([]string(nil), f.Blocks...)
			sort.Strings(field.Blocks)
		}
		fields = append(fields, field)
	}
	return fields
}
