// Package store holds the flat normalized data model: entity records keyed
// by stable ids, references between them, and the optimistic patch stack
// layered on top of the confirmed base data.
package store

// EntityID addresses one normalized record.
type EntityID string

// Reserved root ids.
const (
	RootQueryID        EntityID = "ROOT_QUERY"
	RootMutationID     EntityID = "ROOT_MUTATION"
	RootSubscriptionID EntityID = "ROOT_SUBSCRIPTION"
)

// FieldKey is a stable key for one field selection on an entity, including
// its encoded arguments.
type FieldKey string

// Reference points at another entity by id. It is resolved at read time,
// never followed eagerly during writes.
type Reference struct {
	ID EntityID
}

// Object is one entity record. Values are scalars, Reference, []any lists
// (possibly holding nil holes), or embedded Object literals for entities
// without a resolvable identity.
type Object map[FieldKey]any

// Data is a flat normalized store: entity id to record.
type Data map[EntityID]Object

// View is a read-only lookup over normalized data. The base data and the
// optimistic overlay both satisfy it.
type View interface {
	Get(id EntityID) (Object, bool)
}

func (d Data) Get(id EntityID) (Object, bool) {
	obj, ok := d[id]
	return obj, ok
}

// Merge writes one field into an entity record, creating the record when
// absent. Lists and embedded objects are replaced wholesale.
func (d Data) Merge(id EntityID, key FieldKey, value any) {
	obj, ok := d[id]
	if !ok {
		obj = Object{}
		d[id] = obj
	}
	obj[key] = value
}

// Clone copies the data one record deep. Record values are shared; callers
// must copy a record before mutating it through a clone.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for id, obj := range d {
		out[id] = obj
	}
	return out
}

func (o Object) clone() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// equalObjects compares two records field by field, descending into lists
// and embedded objects.
func equalObjects(a, b Object) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !equalValues(av, bv) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case Reference:
		bv, ok := b.(Reference)
		return ok && av.ID == bv.ID
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		return ok && equalObjects(av, bv)
	default:
		return a == b
	}
}
