package schema

import "sync"

const (
	// MetadataSchemaName names the schema every module metadata document must satisfy.
	MetadataSchemaName = "external_module_metadata"
	// ActionSchemaName names the schema of each element of the metadata actions array.
	ActionSchemaName = "action_metadata"
)

// MetadataValidator returns the process-wide validator holding the module
// metadata meta-schema. It is built on first use and never modified.
var MetadataValidator = sync.OnceValue(func() *Validator {
	metadata := New(MetadataSchemaName)
	metadata.AddConstraint("description", String, true)
	metadata.AddConstraint("configuration", Object, false)

	action := New(ActionSchemaName)
	action.AddConstraint("description", String, false)
	action.AddConstraint("name", String, true)
	action.AddConstraint("input", Object, true)
	action.AddConstraint("results", Object, true)

	metadata.AddSubSchema("actions", action, true)

	v := NewValidator()
	if err := v.RegisterSchema(metadata); err != nil {
		panic("schema: building metadata schema: " + err.Error())
	}
	return v
})
