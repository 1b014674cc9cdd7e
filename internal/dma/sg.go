package dma

import "github.com/smazurov/cxcap/internal/stream"

// LastElement is set in the size word of the final descriptor.
const LastElement uint32 = 1 << 31

// The encoder reads in 256 byte units.
const padAlign = 256

// Element is one scatter-gather descriptor: encoder offset, host bus address
// and length.
type Element struct {
	Src  uint32 `json:"src"`
	Dst  uint32 `json:"dst"`
	Size uint32 `json:"size"`
}

// Len is the transfer length without the final marker.
func (e Element) Len() uint32 { return e.Size &^ LastElement }

// Last reports whether e terminates the list.
func (e Element) Last() bool { return e.Size&LastElement != 0 }

// List is a descriptor array as handed to the firmware.
type List []Element

// Bytes sums the element lengths, padding included.
func (l List) Bytes() uint32 {
	var n uint32
	for _, e := range l {
		n += e.Len()
	}
	return n
}

func pad(n uint32) uint32 {
	if n < padAlign {
		return padAlign
	}
	return (n + padAlign - 1) / padAlign * padAlign
}

// Build splits req across the pages of a buffer, one element per page. A short
// final chunk is padded to the encoder's read unit. It returns the list, the
// payload bytes it covers and whether the buffer was too small for req.
func Build(req Request, pages []stream.Page) (List, uint32, bool) {
	var (
		sg     List
		used   uint32
		src    = req.Offset
		remain = req.Size
		uv     = req.UVSize == 0
	)
	for _, p := range pages {
		if remain == 0 || p.Len == 0 {
			break
		}
		n := min(remain, p.Len)
		size := n
		if n < p.Len {
			size = min(pad(n), p.Len)
		}
		sg = append(sg, Element{Src: src, Dst: p.Addr, Size: size})
		used += n
		src += size
		remain -= n

		if remain == 0 && !uv {
			src, remain, uv = req.UVOffset, req.UVSize, true
		}
	}
	if len(sg) > 0 {
		sg[len(sg)-1].Size |= LastElement
	}
	truncated := remain > 0 || !uv
	return sg, used, truncated
}
