// Package display draws the six-row status screen.
package display

import (
	"fmt"
	"image/color"

	"github.com/jkaberg/powermon/internal/domain"
	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/freemono"
)

// Layout in pixels.
const (
	RowHeight = 36
	RowWidth  = 240
	ValueX    = 104
	LabelX    = 0
	StampX    = 12
	// baseline offset of text within a row
	baseline = 26
	// fieldWidth is the padded width, in characters, of every value
	fieldWidth = 12
)

// RowY holds the top edge of each row.
var RowY = [6]int16{4, 44, 84, 124, 164, 204}

// RowColors holds each row's background.
var RowColors = [6]color.RGBA{
	{106, 255, 42, 255},
	{80, 191, 32, 255},
	{30, 129, 232, 255},
	{22, 95, 172, 255},
	{235, 131, 107, 255},
	{176, 98, 80, 255},
}

var labels = [6]string{"Voltage", "Current", "Energy", "P(W)", "WiFi", ""}

var black = color.RGBA{0, 0, 0, 255}

// Filler is implemented by displays with a native rectangle fill.
type Filler interface {
	FillRectangle(x, y, width, height int16, c color.RGBA) error
}

// Screen renders snapshots onto a display.
type Screen struct {
	disp drivers.Displayer
	font tinyfont.Fonter
}

// NewScreen wraps disp.
func NewScreen(disp drivers.Displayer) *Screen {
	return &Screen{disp: disp, font: &freemono.Bold9pt7b}
}

// Init paints every row background and its label.
func (s *Screen) Init() error {
	for i, y := range RowY {
		if err := s.fill(0, y, RowWidth, RowHeight, RowColors[i]); err != nil {
			return fmt.Errorf("failed to paint row %d: %w", i, err)
		}
		if labels[i] != "" {
			tinyfont.WriteLine(s.disp, s.font, LabelX, y+baseline, labels[i], black)
		}
	}
	return s.disp.Display()
}

// Render writes every field of snap. Each field's region is cleared to its
// row background before the padded value is drawn.
func (s *Screen) Render(snap domain.Snapshot, linkUp bool) error {
	wifi := "Disconnected"
	if linkUp {
		wifi = "Connected"
	}
	fields := [6]struct {
		x    int16
		text string
	}{
		{ValueX, snap.Voltage + "V"},
		{ValueX, snap.Current + "mA"},
		{ValueX, snap.Energy + "mWh"},
		{ValueX, snap.Power + "W"},
		{ValueX, wifi},
		{StampX, snap.Timestamp},
	}

	for i, f := range fields {
		y := RowY[i]
		if err := s.fill(f.x, y, RowWidth-f.x, RowHeight, RowColors[i]); err != nil {
			return fmt.Errorf("failed to clear row %d: %w", i, err)
		}
		tinyfont.WriteLine(s.disp, s.font, f.x, y+baseline, pad(f.text), black)
	}
	return s.disp.Display()
}

func pad(s string) string {
	return fmt.Sprintf("%-*s", fieldWidth, s)
}

func (s *Screen) fill(x, y, w, h int16, c color.RGBA) error {
	if f, ok := s.disp.(Filler); ok {
		return f.FillRectangle(x, y, w, h, c)
	}
	for j := y; j < y+h; j++ {
		for i := x; i < x+w; i++ {
			s.disp.SetPixel(i, j, c)
		}
	}
	return nil
}
