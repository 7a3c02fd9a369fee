package schema

import "fmt"

// Instance is a declared intent: the desired state for one identity. The two
// implementations are EntityInstance and RelationInstance.
type Instance interface {
	// TypeName returns the entity or relation type name.
	TypeName() string
	// Normalize validates the payload against the type definition and
	// returns its canonical form.
	Normalize() (Document, error)
}

// EntityInstance is a declared intent for an entity identity.
type EntityInstance struct {
	Type   *EntityType
	Key    string
	Fields Document
}

// NewEntityInstance constructs a validated entity intent.
func NewEntityInstance(t *EntityType, key string, fields Document) (EntityInstance, error) {
	if t == nil {
		return EntityInstance{}, fmt.Errorf("entity instance requires a type")
	}
	if key == "" {
		return EntityInstance{}, fmt.Errorf("entity type %s: empty primary key", t.Name)
	}
	inst := EntityInstance{Type: t, Key: key, Fields: fields}
	if _, err := inst.Normalize(); err != nil {
		return EntityInstance{}, err
	}
	return inst, nil
}

// TypeName returns the entity type name.
func (i EntityInstance) TypeName() string { return i.Type.Name }

// Normalize validates the payload fields against the type definition.
func (i EntityInstance) Normalize() (Document, error) {
	return NormalizeDocument(i.Type.Name, i.Type.PayloadFields(), i.Fields)
}

// RelationInstance is a declared intent for a relation identity. Unkeyed
// relations leave InstanceKey empty; the empty string is the storage sentinel
// and is rejected as a user-supplied key for keyed relations.
type RelationInstance struct {
	Type        *RelationType
	LeftKey     string
	RightKey    string
	InstanceKey string
	Fields      Document
}

// NewRelationInstance constructs a validated relation intent.
func NewRelationInstance(t *RelationType, leftKey, rightKey, instanceKey string, fields Document) (RelationInstance, error) {
	if t == nil {
		return RelationInstance{}, fmt.Errorf("relation instance requires a type")
	}
	if leftKey == "" || rightKey == "" {
		return RelationInstance{}, fmt.Errorf("relation type %s: empty endpoint key", t.Name)
	}
	if t.Keyed() {
		if instanceKey == "" {
			return RelationInstance{}, fmt.Errorf("relation type %s: instance key must be non-empty", t.Name)
		}
	} else if instanceKey != "" {
		return RelationInstance{}, fmt.Errorf("relation type %s: does not declare an instance key", t.Name)
	}
	inst := RelationInstance{Type: t, LeftKey: leftKey, RightKey: rightKey, InstanceKey: instanceKey, Fields: fields}
	if _, err := inst.Normalize(); err != nil {
		return RelationInstance{}, err
	}
	return inst, nil
}

// TypeName returns the relation type name.
func (i RelationInstance) TypeName() string { return i.Type.Name }

// Normalize validates the attribute fields against the type definition. The
// instance key never appears in the payload; it is identity, not state.
func (i RelationInstance) Normalize() (Document, error) {
	fields := i.Fields
	if i.Type.Keyed() {
		if _, present := fields[i.Type.InstanceKeyField()]; present {
			clone := make(Document, len(fields))
			for name, value := range fields {
				if name != i.Type.InstanceKeyField() {
					clone[name] = value
				}
			}
			fields = clone
		}
	}
	return NormalizeDocument(i.Type.Name, i.Type.PayloadFields(), fields)
}
