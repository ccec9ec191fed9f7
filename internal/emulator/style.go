package emulator

import (
	"image/color"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/ansi"

	"github.com/1ureka/lagless/internal/terminal"
)

// palette holds the 16 ANSI colors as packed RGBA (xterm defaults).
var palette = [16]uint32{
	0x000000FF, 0xCD0000FF, 0x00CD00FF, 0xCDCD00FF,
	0x0000EEFF, 0xCD00CDFF, 0x00CDCDFF, 0xE5E5E5FF,
	0x7F7F7FFF, 0xFF0000FF, 0x00FF00FF, 0xFFFF00FF,
	0x5C5CFFFF, 0xFF00FFFF, 0x00FFFFFF, 0xFFFFFFFF,
}

var cubeLevels = [6]uint32{0, 95, 135, 175, 215, 255}

func rgba(r, g, b uint32) uint32 {
	return r<<24 | g<<16 | b<<8 | 0xFF
}

// color256 maps an xterm 256-color index to packed RGBA.
func color256(n int) uint32 {
	switch {
	case n < 16:
		return palette[n]
	case n < 232:
		n -= 16
		return rgba(cubeLevels[n/36], cubeLevels[n/6%6], cubeLevels[n%6])
	default:
		v := uint32(8 + (n-232)*10)
		return rgba(v, v, v)
	}
}

// pack converts an emulator color to packed RGBA, def standing for nil.
func pack(c color.Color, def uint32) uint32 {
	switch c := c.(type) {
	case nil:
		return def
	case ansi.BasicColor:
		return palette[c&0x0F]
	case ansi.IndexedColor:
		return color256(int(c))
	}
	r, g, b, _ := c.RGBA()
	return rgba(r>>8, g>>8, b>>8)
}

// attrBits maps emulator text attributes onto cell attributes.
var attrBits = []struct {
	from uv.StyleAttr
	to   terminal.Attr
}{
	{uv.AttrBold, terminal.AttrBold},
	{uv.AttrFaint, terminal.AttrDim},
	{uv.AttrItalic, terminal.AttrItalic},
	{uv.AttrBlink, terminal.AttrBlink},
	{uv.AttrRapidBlink, terminal.AttrBlink},
	{uv.AttrReverse, terminal.AttrReverse},
}

// project converts the style of an emulator cell.
func project(st *uv.Style) (fg, bg uint32, attrs terminal.Attr) {
	for _, a := range attrBits {
		if st.Attrs&a.from != 0 {
			attrs |= a.to
		}
	}
	if st.Underline != uv.UnderlineStyleNone {
		attrs |= terminal.AttrUnderline
	}
	return pack(st.Fg, terminal.DefaultForeground), pack(st.Bg, terminal.DefaultBackground), attrs
}
