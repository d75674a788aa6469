package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"biometricvqa/internal/models"
	"biometricvqa/pkg/geometry"
)

// ScaleBarLengths are the candidate scale bar lengths in mm.
var ScaleBarLengths = []float64{1, 2, 5, 10, 15, 20, 25, 30, 40, 50, 60, 70, 80, 90, 100}

// orientationLabels name the directions of the image right edge and top edge
// per slicing plane.
var orientationLabels = [3][2]string{
	{"Anterior", "Superior"},
	{"Right", "Superior"},
	{"Right", "Anterior"},
}

var (
	landmarkColor = color.NRGBA{R: 255, G: 64, B: 64, A: 255}
	lineColor     = color.NRGBA{R: 255, G: 214, B: 0, A: 255}
	boxColor      = color.NRGBA{R: 0, G: 200, B: 255, A: 255}
	textColor     = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Segment is a measured line between two voxel positions
type Segment struct {
	From, To r3.Vector
}

// Figure describes one annotated section
type Figure struct {
	Plane     int
	Slice     int
	Title     string
	Landmarks []models.Landmark
	Segments  []Segment
	Boxes     []models.BoundingBox
}

// Renderer draws figures. The section is resampled to the physical aspect
// ratio with its shorter side at least MinSize pixels.
type Renderer struct {
	MinSize int
}

// NewRenderer returns a renderer with a 256 pixel minimum side.
func NewRenderer() *Renderer {
	return &Renderer{MinSize: 256}
}

// canvas maps voxel coordinates of a section to pixels of the output image
type canvas struct {
	img    *image.NRGBA
	ua, va int
	sx, sy float64 // pixels per voxel
	rows   int     // in-plane voxel rows
}

func (c *canvas) point(p r3.Vector) image.Point {
	coords := [3]float64{p.X, p.Y, p.Z}
	x := (coords[c.ua] + 0.5) * c.sx
	y := (float64(c.rows) - coords[c.va] - 0.5) * c.sy
	return image.Pt(int(math.Round(x)), int(math.Round(y)))
}

// Render draws fig over the section of the viewer's volume. The section is
// flipped so that the positive in-plane directions point right and up.
func (r *Renderer) Render(v *Viewer, fig Figure) (*image.NRGBA, error) {
	gray, err := v.ExtractSlice(fig.Plane, fig.Slice)
	if err != nil {
		return nil, err
	}

	ua, va := geometry.InPlaneAxes(fig.Plane)
	spacing := v.vol.Spacing()
	cols, rows := gray.Bounds().Dx(), gray.Bounds().Dy()

	physW := float64(cols) * spacing[ua]
	physH := float64(rows) * spacing[va]
	pxPerMM := float64(r.MinSize) / math.Min(physW, physH)
	outW := int(math.Round(physW * pxPerMM))
	outH := int(math.Round(physH * pxPerMM))

	img := imaging.Resize(imaging.FlipV(gray), outW, outH, imaging.Lanczos)
	c := &canvas{
		img:  img,
		ua:   ua,
		va:   va,
		sx:   float64(outW) / float64(cols),
		sy:   float64(outH) / float64(rows),
		rows: rows,
	}

	for _, b := range fig.Boxes {
		lo := r3.Vector{X: float64(b.Min[0]), Y: float64(b.Min[1]), Z: float64(b.Min[2])}
		hi := r3.Vector{X: float64(b.Max[0]), Y: float64(b.Max[1]), Z: float64(b.Max[2])}
		drawRect(img, c.point(lo), c.point(hi), boxColor)
	}
	for _, s := range fig.Segments {
		drawLine(img, c.point(s.From), c.point(s.To), lineColor)
	}
	radius := int(math.Max(2, math.Round(float64(r.MinSize)/100)))
	for _, l := range fig.Landmarks {
		p := c.point(l.Position)
		fillCircle(img, p, radius, landmarkColor)
		drawText(img, l.Key, p.Add(image.Pt(radius+2, -radius-2)), textColor)
	}

	drawScaleBar(img, pxPerMM)
	labels := orientationLabels[fig.Plane]
	drawText(img, labels[0], image.Pt(outW-textWidth(labels[0])-4, outH/2), textColor)
	drawText(img, labels[1], image.Pt(outW/2-textWidth(labels[1])/2, 14), textColor)
	if fig.Title != "" {
		drawText(img, fig.Title, image.Pt(4, 14), textColor)
	}
	return img, nil
}

// RenderFile renders fig and stores it at path in the format given by the
// file extension.
func (r *Renderer) RenderFile(v *Viewer, fig Figure, path string) error {
	img, err := r.Render(v, fig)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save figure %s: %w", path, err)
	}
	return nil
}

// ScaleBarLength picks the bar length in mm for an image whose shorter side
// spans sideMM. Starting from 10 mm it moves along ScaleBarLengths until the
// bar covers 5 to 25 percent of the side.
func ScaleBarLength(sideMM float64) float64 {
	i := 3
	for i > 0 && ScaleBarLengths[i] > 0.25*sideMM {
		i--
	}
	for i < len(ScaleBarLengths)-1 && ScaleBarLengths[i] < 0.05*sideMM {
		i++
	}
	return ScaleBarLengths[i]
}

func drawScaleBar(img *image.NRGBA, pxPerMM float64) {
	b := img.Bounds()
	side := math.Min(float64(b.Dx()), float64(b.Dy()))
	length := ScaleBarLength(side / pxPerMM)
	px := int(math.Round(length * pxPerMM))

	x0, y := 8, b.Dy()-10
	for t := 0; t < 3; t++ {
		drawLine(img, image.Pt(x0, y+t), image.Pt(x0+px, y+t), textColor)
	}
	drawText(img, fmt.Sprintf("%g mm", length), image.Pt(x0, y-4), textColor)
}

func textWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil()
}

func drawText(img *image.NRGBA, s string, at image.Point, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(at.X, at.Y),
	}
	d.DrawString(s)
}

func drawLine(img *image.NRGBA, a, b image.Point, col color.NRGBA) {
	dx, dy := b.X-a.X, b.Y-a.Y
	steps := int(math.Max(math.Abs(float64(dx)), math.Abs(float64(dy))))
	if steps == 0 {
		setPixel(img, a.X, a.Y, col)
		return
	}
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		setPixel(img, a.X+int(math.Round(t*float64(dx))), a.Y+int(math.Round(t*float64(dy))), col)
	}
}

func drawRect(img *image.NRGBA, a, b image.Point, col color.NRGBA) {
	drawLine(img, image.Pt(a.X, a.Y), image.Pt(b.X, a.Y), col)
	drawLine(img, image.Pt(b.X, a.Y), image.Pt(b.X, b.Y), col)
	drawLine(img, image.Pt(b.X, b.Y), image.Pt(a.X, b.Y), col)
	drawLine(img, image.Pt(a.X, b.Y), image.Pt(a.X, a.Y), col)
}

func fillCircle(img *image.NRGBA, c image.Point, r int, col color.NRGBA) {
	rect := image.Rect(c.X-r, c.Y-r, c.X+r+1, c.Y+r+1).Intersect(img.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if (x-c.X)*(x-c.X)+(y-c.Y)*(y-c.Y) <= r*r {
				img.SetNRGBA(x, y, col)
			}
		}
	}
}

func setPixel(img *image.NRGBA, x, y int, col color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, col)
	}
}
