package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/quill/internal/schema"
	"github.com/roach88/quill/internal/value"
)

// LoadMode controls how errors are handled during schema loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the results of loading an entity schema directory.
type LoadResult struct {
	Registry  *schema.Registry
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	// Entity schema errors
	ErrCodeEntityFields   = "E101" // Missing or malformed fields list
	ErrCodeInvalidType    = "E102" // Invalid field type
	ErrCodeInvalidRel     = "E103" // Malformed relation
	ErrCodeRegisterFailed = "E104" // Registry rejected the entity

	// Query file errors
	ErrCodeQueryParse = "E111" // Query file could not be parsed
	ErrCodeQueryBuild = "E112" // Query could not be built against the schema
)

// LoadSchema loads entity descriptors from a directory of CUE files and
// registers them. Entities live under the top-level "entity" struct;
// fields are an ordered list so column order is exactly as written.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadSchema(dir string, mode LoadMode) (*LoadResult, []error) {
	var errs []error

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	val := ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		Registry:  schema.NewRegistry(),
		CUEValue:  val,
		FileCount: len(cueFiles),
	}

	entitiesVal := val.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no entities found in schema (expected top-level \"entity\" struct)"})
		return result, errs
	}

	iter, iterErr := entitiesVal.Fields()
	if iterErr != nil {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating entities: %v", iterErr)})
		return result, errs
	}
	for iter.Next() {
		desc, compileErr := CompileEntity(iter.Label(), iter.Value())
		if compileErr != nil {
			errs = append(errs, compileErr)
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		if regErr := result.Registry.Register(*desc); regErr != nil {
			errs = append(errs, &LoadError{
				Code:    ErrCodeRegisterFailed,
				Message: fmt.Sprintf("entity %s: %v", desc.Name, regErr),
				Pos:     iter.Value().Pos(),
			})
			if mode == LoadModeFailFast {
				return result, errs
			}
		}
	}

	if len(result.Registry.Entities()) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no entities found in schema"})
	}

	return result, errs
}

// CompileEntity parses one CUE entity struct into a descriptor.
//
// The CUE value should be the entity struct itself, e.g.:
//
//	entity: Movie: {
//		fields: [
//			{name: "ID", type: "int"},
//			{name: "Title", type: "string"},
//		]
//		relations: [
//			{name: "Cast", kind: "many", target: "Actor", foreignKey: "MovieID"},
//		]
//	}
func CompileEntity(name string, v cue.Value) (*schema.EntityDescriptor, error) {
	if err := v.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: err.Error(), Pos: v.Pos()}
	}

	desc := &schema.EntityDescriptor{Name: name}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &LoadError{
			Code:    ErrCodeEntityFields,
			Message: fmt.Sprintf("entity %s: fields list is required", name),
			Pos:     v.Pos(),
		}
	}
	fieldIter, err := fieldsVal.List()
	if err != nil {
		return nil, &LoadError{
			Code:    ErrCodeEntityFields,
			Message: fmt.Sprintf("entity %s: fields must be a list: %v", name, err),
			Pos:     fieldsVal.Pos(),
		}
	}
	for fieldIter.Next() {
		f, ferr := compileField(name, fieldIter.Value())
		if ferr != nil {
			return nil, ferr
		}
		desc.Fields = append(desc.Fields, f)
	}

	relsVal := v.LookupPath(cue.ParsePath("relations"))
	if relsVal.Exists() {
		relIter, rerr := relsVal.List()
		if rerr != nil {
			return nil, &LoadError{
				Code:    ErrCodeInvalidRel,
				Message: fmt.Sprintf("entity %s: relations must be a list: %v", name, rerr),
				Pos:     relsVal.Pos(),
			}
		}
		for relIter.Next() {
			rel, rerr := compileRelation(name, relIter.Value())
			if rerr != nil {
				return nil, rerr
			}
			desc.Relations = append(desc.Relations, rel)
		}
	}

	return desc, nil
}

func compileField(entity string, v cue.Value) (schema.Field, error) {
	name, err := lookupString(v, "name")
	if err != nil {
		return schema.Field{}, &LoadError{
			Code:    ErrCodeEntityFields,
			Message: fmt.Sprintf("entity %s: field name: %v", entity, err),
			Pos:     v.Pos(),
		}
	}
	typ, err := lookupString(v, "type")
	if err != nil {
		return schema.Field{}, &LoadError{
			Code:    ErrCodeEntityFields,
			Message: fmt.Sprintf("entity %s: field %s: type: %v", entity, name, err),
			Pos:     v.Pos(),
		}
	}
	kind, err := value.ParseKind(typ)
	if err != nil {
		return schema.Field{}, &LoadError{
			Code:    ErrCodeInvalidType,
			Message: fmt.Sprintf("entity %s: field %s: %v", entity, name, err),
			Pos:     v.Pos(),
		}
	}

	f := schema.Field{Name: name, Kind: kind}
	nullVal := v.LookupPath(cue.ParsePath("nullable"))
	if nullVal.Exists() {
		nullable, berr := nullVal.Bool()
		if berr != nil {
			return schema.Field{}, &LoadError{
				Code:    ErrCodeEntityFields,
				Message: fmt.Sprintf("entity %s: field %s: nullable must be bool: %v", entity, name, berr),
				Pos:     nullVal.Pos(),
			}
		}
		f.Nullable = nullable
	}
	return f, nil
}

func compileRelation(entity string, v cue.Value) (schema.Relation, error) {
	fail := func(field string, err error) (schema.Relation, error) {
		return schema.Relation{}, &LoadError{
			Code:    ErrCodeInvalidRel,
			Message: fmt.Sprintf("entity %s: relation %s: %v", entity, field, err),
			Pos:     v.Pos(),
		}
	}

	name, err := lookupString(v, "name")
	if err != nil {
		return fail("name", err)
	}
	kindStr, err := lookupString(v, "kind")
	if err != nil {
		return fail("kind", err)
	}
	target, err := lookupString(v, "target")
	if err != nil {
		return fail("target", err)
	}
	fk, err := lookupString(v, "foreignKey")
	if err != nil {
		return fail("foreignKey", err)
	}

	var kind schema.RelKind
	switch kindStr {
	case "one":
		kind = schema.RelToOne
	case "many":
		kind = schema.RelToMany
	default:
		return fail("kind", fmt.Errorf("must be %q or %q, got %q", "one", "many", kindStr))
	}

	return schema.Relation{Name: name, Kind: kind, Target: target, ForeignKey: fk}, nil
}

func lookupString(v cue.Value, path string) (string, error) {
	field := v.LookupPath(cue.ParsePath(path))
	if !field.Exists() {
		return "", fmt.Errorf("%s is required", path)
	}
	return field.String()
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
