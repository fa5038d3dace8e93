package patchfile

import (
	"fmt"
	"reflect"

	"github.com/echtzeit-solutions/fwhook/hooklib"
	"github.com/invopop/jsonschema"
)

// Schema returns a JSON schema for the project file, for use by editors.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag: "yaml",
		Mapper:       schemaType,
	}
	s := r.Reflect(&Project{})
	s.Title = "fwhook project"
	return s
}

func schemaType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(Addr(0)):
		return &jsonschema.Schema{
			Description: "flash address, as an integer or a string like 0x0800_5000",
			OneOf: []*jsonschema.Schema{
				{Type: "integer"},
				{Type: "string", Pattern: `^(0[xX][0-9A-Fa-f_]+|[0-9_]+)$`},
			},
		}
	case reflect.TypeOf(Hex(nil)):
		return &jsonschema.Schema{
			Type:        "string",
			Description: "hex bytes, spaces ignored",
			Pattern:     `^([0-9A-Fa-f]{2} *)*$`,
		}
	case reflect.TypeOf(hooklib.Mode(0)):
		return enumSchema(hooklib.Filter, hooklib.Before, hooklib.Replace)
	case reflect.TypeOf(hooklib.PatchedPolicy(0)):
		return enumSchema(hooklib.PatchedWarn, hooklib.PatchedSkip, hooklib.PatchedFail)
	}
	return nil
}

func enumSchema(vs ...fmt.Stringer) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "string"}
	for _, v := range vs {
		s.Enum = append(s.Enum, v.String())
	}
	return s
}
