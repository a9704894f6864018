package domain

// Kind is the closed set of value kinds the decoder understands.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFloat
	KindInt
	KindUint8
	KindBool8
	KindBool16
)

// ParseKind maps a register type tag to its Kind. Unknown tags yield
// KindUnknown and false.
func ParseKind(tag string) (Kind, bool) {
	switch tag {
	case "float":
		return KindFloat, true
	case "int":
		return KindInt, true
	case "uint8":
		return KindUint8, true
	case "bool8":
		return KindBool8, true
	case "bool16":
		return KindBool16, true
	default:
		return KindUnknown, false
	}
}

// Words is the number of 16-bit registers a value of this kind occupies.
func (k Kind) Words() int {
	switch k {
	case KindFloat:
		return 2
	case KindInt, KindUint8, KindBool8, KindBool16:
		return 1
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindUint8:
		return "uint8"
	case KindBool8:
		return "bool8"
	case KindBool16:
		return "bool16"
	default:
		return "unknown"
	}
}
