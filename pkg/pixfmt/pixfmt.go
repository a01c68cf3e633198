// Package pixfmt knows about the GigE Vision (PFNC) pixel formats that we receive from
// cameras, and converts them into packed BGR, which is what our consumers want.
package pixfmt

import (
	"errors"
	"fmt"
)

// Format is a PFNC pixel format code, as sent in the GVSP image leader
type Format uint32

const (
	Mono8    Format = 0x01080001
	BayerGR8 Format = 0x01080008
	BayerRG8 Format = 0x01080009
	BayerGB8 Format = 0x0108000A
	BayerBG8 Format = 0x0108000B
	RGB8     Format = 0x02180014
	BGR8     Format = 0x02180015
)

var ErrUnsupported = errors.New("unsupported pixel format")
var ErrShortBuffer = errors.New("buffer too small for image geometry")

func (f Format) String() string {
	switch f {
	case Mono8:
		return "Mono8"
	case BayerGR8:
		return "BayerGR8"
	case BayerRG8:
		return "BayerRG8"
	case BayerGB8:
		return "BayerGB8"
	case BayerBG8:
		return "BayerBG8"
	case RGB8:
		return "RGB8"
	case BGR8:
		return "BGR8"
	}
	return fmt.Sprintf("0x%08x", uint32(f))
}

// BitsPerPixel is encoded in bits 16..23 of the PFNC code
func (f Format) BitsPerPixel() int {
	return int((uint32(f) >> 16) & 0xff)
}

// BytesPerPixel returns 0 for formats that are not byte aligned
func (f Format) BytesPerPixel() int {
	bpp := f.BitsPerPixel()
	if bpp%8 != 0 {
		return 0
	}
	return bpp / 8
}

func (f Format) IsBayer() bool {
	switch f {
	case BayerGR8, BayerRG8, BayerGB8, BayerBG8:
		return true
	}
	return false
}

// ToBGR converts a strided image of 'format' into packed 3 channel BGR.
// Row padding is preserved: the returned stride is the source stride scaled by
// 3/bytesPerPixel, so the padding bytes of each row survive the conversion.
// The caller must therefore never assume that the returned stride is width*3.
func ToBGR(format Format, width, height int, src []byte, srcStride int) (dst []byte, dstStride int, err error) {
	bpp := format.BytesPerPixel()
	if bpp != 1 && bpp != 3 {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupported, format)
	}
	if width <= 0 || height <= 0 || srcStride < width*bpp {
		return nil, 0, fmt.Errorf("invalid geometry %vx%v stride %v", width, height, srcStride)
	}
	if len(src) < (height-1)*srcStride+width*bpp {
		return nil, 0, fmt.Errorf("%w: %v bytes for %vx%v stride %v", ErrShortBuffer, len(src), width, height, srcStride)
	}

	dstStride = srcStride * 3 / bpp
	dst = make([]byte, dstStride*height)

	switch format {
	case BGR8:
		for y := 0; y < height; y++ {
			copy(dst[y*dstStride:y*dstStride+width*3], src[y*srcStride:y*srcStride+width*3])
		}
	case RGB8:
		for y := 0; y < height; y++ {
			s := src[y*srcStride : y*srcStride+width*3]
			d := dst[y*dstStride : y*dstStride+width*3]
			for x := 0; x < width*3; x += 3 {
				d[x] = s[x+2]
				d[x+1] = s[x+1]
				d[x+2] = s[x]
			}
		}
	case Mono8:
		for y := 0; y < height; y++ {
			s := src[y*srcStride : y*srcStride+width]
			d := dst[y*dstStride : y*dstStride+width*3]
			for x, v := range s {
				d[x*3] = v
				d[x*3+1] = v
				d[x*3+2] = v
			}
		}
	case BayerGR8, BayerRG8, BayerGB8, BayerBG8:
		if err := demosaic(format, width, height, src, srcStride, dst, dstStride); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupported, format)
	}
	return dst, dstStride, nil
}

// Nearest neighbour demosaic. Every 2x2 cell produces one color, which is
// good enough for previews and cheap enough to run at frame rate.
func demosaic(format Format, width, height int, src []byte, srcStride int, dst []byte, dstStride int) error {
	if width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("bayer images must have even dimensions, not %vx%v", width, height)
	}
	// Position of red and blue within the 2x2 cell, as (dx, dy)
	var rx, ry int
	switch format {
	case BayerRG8:
		rx, ry = 0, 0
	case BayerGR8:
		rx, ry = 1, 0
	case BayerGB8:
		rx, ry = 0, 1
	case BayerBG8:
		rx, ry = 1, 1
	}
	bx, by := 1-rx, 1-ry
	for y := 0; y < height; y += 2 {
		r0 := src[y*srcStride:]
		r1 := src[(y+1)*srcStride:]
		for x := 0; x < width; x += 2 {
			cell := [2][]byte{r0[x : x+2], r1[x : x+2]}
			r := cell[ry][rx]
			b := cell[by][bx]
			g := uint8((uint16(cell[ry][bx]) + uint16(cell[by][rx])) / 2)
			for dy := 0; dy < 2; dy++ {
				d := dst[(y+dy)*dstStride+x*3:]
				d[0], d[1], d[2] = b, g, r
				d[3], d[4], d[5] = b, g, r
			}
		}
	}
	return nil
}
