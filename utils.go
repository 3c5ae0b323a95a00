package grove

import (
	"context"
	"unsafe"

	"log/slog"
)

func bytesIsZero(data []byte) bool {
	if len(data)%32 != 0 {
		panic("data is not a multiple of 32")
	}
	var v uint64
	for len(data) > 0 {
		v2 := *(*uint64)(unsafe.Pointer(&data[0]))
		v3 := *(*uint64)(unsafe.Pointer(&data[8]))
		v4 := *(*uint64)(unsafe.Pointer(&data[16]))
		v5 := *(*uint64)(unsafe.Pointer(&data[24]))
		v |= v2
		v |= v3
		v |= v4
		v |= v5
		data = data[32:]
	}
	return v == 0
}

// widthCodeFor returns the smallest width code able to hold v. Widths below
// 8 bits store small unsigned values only, wider widths are two's complement.
func widthCodeFor(v int64) uint8 {
	switch {
	case v == 0:
		return width0
	case v == 1:
		return width1
	case v >= 0 && v < 4:
		return width2
	case v >= 0 && v < 16:
		return width4
	case v >= -128 && v < 128:
		return width8
	case v >= -32768 && v < 32768:
		return width16
	case v >= -2147483648 && v < 2147483648:
		return width32
	default:
		return width64
	}
}

func maxWidthCode(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
