package model

// Kind tags a decoded payload value.
type Kind uint8

const (
	KindScalar Kind = iota
	KindObject
	KindArray
	KindBase
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindBase:
		return "base"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Reference points at another Base by id.
type Reference struct {
	ReferencedID string
}

// Classify decides the kind of a decoded JSON value. An object with a string
// referencedId is a Reference, an object with a string id is a Base.
// Reference wins when both are present.
func Classify(v any) Kind {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t[FieldReferencedID].(string); ok && ref != "" {
			return KindReference
		}
		if id, ok := t[FieldID].(string); ok && id != "" {
			return KindBase
		}
		return KindObject
	case []any:
		return KindArray
	default:
		return KindScalar
	}
}

// AsReference returns the Reference held by v, if v is one.
func AsReference(v any) (Reference, bool) {
	if Classify(v) != KindReference {
		return Reference{}, false
	}
	return Reference{ReferencedID: v.(map[string]any)[FieldReferencedID].(string)}, true
}
