package changelog

import "time"

type ChangeType string

const (
	ChangeAdd    ChangeType = "Add"
	ChangeUpdate ChangeType = "Update"
	ChangeDelete ChangeType = "Delete"
	ChangeRename ChangeType = "Rename"
)

type ValueType string

const (
	ValueString   ValueType = "String"
	ValueInt      ValueType = "Int"
	ValueDouble   ValueType = "Double"
	ValueBool     ValueType = "Bool"
	ValueDateTime ValueType = "DateTime"
	ValueEntrance ValueType = "Entrance"
	ValueCave     ValueType = "Cave"
)

// Value is one side of a recorded change. Exactly one concrete type applies per
// entry; markers carry no payload.
type Value interface {
	Type() ValueType
	sealed()
}

type String string
type Int int64
type Double float64
type Bool bool
type DateTime time.Time

// EntranceMarker records that a whole entrance was added or removed.
type EntranceMarker struct{}

// CaveMarker records that a whole cave was added or removed.
type CaveMarker struct{}

func (String) Type() ValueType         { return ValueString }
func (Int) Type() ValueType            { return ValueInt }
func (Double) Type() ValueType         { return ValueDouble }
func (Bool) Type() ValueType           { return ValueBool }
func (DateTime) Type() ValueType       { return ValueDateTime }
func (EntranceMarker) Type() ValueType { return ValueEntrance }
func (CaveMarker) Type() ValueType     { return ValueCave }

func (String) sealed()         {}
func (Int) sealed()            {}
func (Double) sealed()         {}
func (Bool) sealed()           {}
func (DateTime) sealed()       {}
func (EntranceMarker) sealed() {}
func (CaveMarker) sealed()     {}

// Time unwraps a DateTime value.
func (d DateTime) Time() time.Time { return time.Time(d) }

// Slots is the flattened column shape used at the persistence boundary.
type Slots struct {
	String   *string
	Int      *int64
	Double   *float64
	Bool     *bool
	DateTime *time.Time
}

// Flatten spreads a value into its typed slot. Markers and nil leave every
// slot empty.
func Flatten(v Value) Slots {
	var slots Slots
	switch typed := v.(type) {
	case String:
		s := string(typed)
		slots.String = &s
	case Int:
		i := int64(typed)
		slots.Int = &i
	case Double:
		d := float64(typed)
		slots.Double = &d
	case Bool:
		b := bool(typed)
		slots.Bool = &b
	case DateTime:
		t := typed.Time()
		slots.DateTime = &t
	}
	return slots
}

// Unflatten rebuilds the value a slot set holds for the given value type. It
// returns nil when the matching slot is empty.
func Unflatten(valueType ValueType, slots Slots) Value {
	switch valueType {
	case ValueString:
		if slots.String != nil {
			return String(*slots.String)
		}
	case ValueInt:
		if slots.Int != nil {
			return Int(*slots.Int)
		}
	case ValueDouble:
		if slots.Double != nil {
			return Double(*slots.Double)
		}
	case ValueBool:
		if slots.Bool != nil {
			return Bool(*slots.Bool)
		}
	case ValueDateTime:
		if slots.DateTime != nil {
			return DateTime(*slots.DateTime)
		}
	}
	return nil
}

// Restore rebuilds both sides of a stored entry. Marker rows carry no slots,
// so the change type decides which side holds the marker.
func Restore(valueType ValueType, changeType ChangeType, value, original Slots) (Value, Value) {
	var marker Value
	switch valueType {
	case ValueEntrance:
		marker = EntranceMarker{}
	case ValueCave:
		marker = CaveMarker{}
	default:
		return Unflatten(valueType, value), Unflatten(valueType, original)
	}
	if changeType == ChangeDelete {
		return nil, marker
	}
	return marker, nil
}
