package errorutil

import "errors"

// ErrMalformedLine is a base error type for trace lines the parser cannot
// decode. The reader warns and skips the line.
var ErrMalformedLine = errors.New("malformed trace line")

// ErrUnknownInstruction is returned when a line's branch kind matches no
// known instruction word.
var ErrUnknownInstruction = errors.New("unknown branch instruction")
