package cmdproc

import "encoding/binary"

// Channel opcodes.
const (
	OpNop     uint32 = 0
	OpClear   uint32 = 1
	OpRect    uint32 = 2
	OpCopy    uint32 = 3
	OpPresent uint32 = 4
	OpSubmit  uint32 = 5
)

var opNames = map[uint32]string{
	OpNop:     "NOP",
	OpClear:   "CLEAR",
	OpRect:    "RECT",
	OpCopy:    "COPY",
	OpPresent: "PRESENT",
	OpSubmit:  "SUBMIT",
}

// payloadSizes is the exact payload length each opcode expects.
var payloadSizes = map[uint32]int{
	OpNop:     0,
	OpClear:   4,
	OpRect:    20,
	OpCopy:    24,
	OpPresent: 8,
	OpSubmit:  8,
}

// OpName returns a printable opcode name.
func OpName(op uint32) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

type clearCmd struct{ color uint32 }

type rectCmd struct {
	x, y  int32
	w, h  uint32
	color uint32
}

type copyCmd struct{ sx, sy, dx, dy, w, h uint32 }

type presentCmd struct{ dx, dy int32 }

type submitCmd struct {
	objectID uint32
	priority int32
}

func u32(p []byte, i int) uint32 { return binary.LittleEndian.Uint32(p[i*4:]) }

func put32(p []byte, vals ...uint32) []byte {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(p[i*4:], v)
	}
	return p
}

// EncodeClear builds a CLEAR payload.
func EncodeClear(color uint32) []byte {
	return put32(make([]byte, 4), color)
}

// EncodeRect builds a RECT payload.
func EncodeRect(x, y int32, w, h, color uint32) []byte {
	return put32(make([]byte, 20), uint32(x), uint32(y), w, h, color)
}

// EncodeCopy builds a COPY payload.
func EncodeCopy(sx, sy, dx, dy, w, h uint32) []byte {
	return put32(make([]byte, 24), sx, sy, dx, dy, w, h)
}

// EncodePresent builds a PRESENT payload placing the bound surface at (dx, dy).
func EncodePresent(dx, dy int32) []byte {
	return put32(make([]byte, 8), uint32(dx), uint32(dy))
}

// EncodeSubmit builds a SUBMIT payload for a batch buffer object.
func EncodeSubmit(objectID uint32, priority int32) []byte {
	return put32(make([]byte, 8), objectID, uint32(priority))
}
