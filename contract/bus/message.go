package bus

import "reflect"

// Envelope carries a message through a Transport together with its routing metadata.
// In-process transports deliver Payload as-is; broker transports deliver Body (JSON)
// and leave Payload nil.
type Envelope struct {
	MessageID       string
	CorrelationID   string
	MessageType     string
	ResponseAddress string
	Headers         map[string]string
	Payload         any
	Body            []byte
}

// CorrelatedBy is implemented by messages that carry their own correlation identifier.
type CorrelatedBy interface {
	CorrelationID() string
}

// CorrelationSetter is implemented by messages that accept a correlation identifier
// assigned by the bus before publication.
type CorrelationSetter interface {
	SetCorrelationID(id string)
}

// TypeName returns the message type name used for routing: the package-qualified Go
// type name with pointer indirections stripped, e.g. "example.com/orders.Placed".
// Predeclared and unnamed types use their Go spelling.
func TypeName(v any) string {
	return typeName(reflect.TypeOf(v))
}

// TypeNameOf returns the routing name for the static type T.
func TypeNameOf[T any]() string {
	return typeName(reflect.TypeFor[T]())
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" { // unnamed (e.g., map/struct literal)
		return t.String()
	}

	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + name
	}

	return name
}
