package merkle

import "errors"

var (
	errEmptyTree       = errors.New("merkle: proof requested against an empty tree")
	errIndexOutOfRange = errors.New("merkle: leaf index out of range")
)
