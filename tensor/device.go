// device.go - Device- und Praezisions-Aufloesung

package tensor

// DType identifies the numeric precision a tensor carries. Math always
// runs in float32; F16 and BF16 mark values rounded through the narrower
// representation.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	}
	return "unknown"
}

// Device identifies a compute device.
type Device int

// CPU is the only device this backend provides.
const CPU Device = 0

func (d Device) String() string { return "cpu" }

// ChooseDevice returns the best available compute device.
func ChooseDevice() Device { return CPU }
