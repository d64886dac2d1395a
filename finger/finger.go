// Package finger maps between finger enumeration values, their wire
// names, and the single hex digit used for on-disk print file names.
package finger

import "strconv"

// Finger identifies one finger. The zero value is Unknown; Any stands
// for "let the device side choose".
type Finger int

const (
	Unknown Finger = iota
	LeftThumb
	LeftIndex
	LeftMiddle
	LeftRing
	LeftLittle
	RightThumb
	RightIndex
	RightMiddle
	RightRing
	RightLittle
)

const Any Finger = -1

const (
	First = LeftThumb
	Last  = RightLittle
)

var names = [...]string{
	Unknown:     "unknown",
	LeftThumb:   "left-thumb",
	LeftIndex:   "left-index-finger",
	LeftMiddle:  "left-middle-finger",
	LeftRing:    "left-ring-finger",
	LeftLittle:  "left-little-finger",
	RightThumb:  "right-thumb",
	RightIndex:  "right-index-finger",
	RightMiddle: "right-middle-finger",
	RightRing:   "right-ring-finger",
	RightLittle: "right-little-finger",
}

// Valid reports whether f is a concrete, enrollable finger.
func (f Finger) Valid() bool {
	return f >= First && f <= Last
}

func (f Finger) String() string {
	if f == Any {
		return "any"
	}
	if f < Unknown || int(f) >= len(names) {
		return "unknown"
	}
	return names[f]
}

// Hex returns the single lowercase hex digit used as the print file name.
func (f Finger) Hex() string {
	return strconv.FormatInt(int64(f), 16)
}

// FromHex parses a print file name. ok is false unless the name is a
// single hex digit denoting a valid finger.
func FromHex(s string) (Finger, bool) {
	if len(s) != 1 {
		return Unknown, false
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return Unknown, false
	}
	f := Finger(v)
	return f, f.Valid()
}

// Parse resolves a wire name to a finger. The empty string, "any" and
// any unrecognized name resolve to Any; callers that need a concrete
// finger check Valid afterwards.
func Parse(name string) Finger {
	if name == "" || name == "any" {
		return Any
	}
	for i := First; i <= Last; i++ {
		if names[i] == name {
			return i
		}
	}
	return Any
}
