package optimizer

import (
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// RenderLossCurve writes a PNG line chart of recorded loss against
// evaluation index.
func (s *Solution) RenderLossCurve(w io.Writer) error {
	if len(s.Records) == 0 {
		return errors.New("solution has no records to plot")
	}
	p := plot.New()
	p.Title.Text = "Solve " + s.ID.String()
	p.X.Label.Text = "evaluation"
	p.Y.Label.Text = "loss"

	pts := make(plotter.XYs, len(s.Records))
	for i, r := range s.Records {
		pts[i].X = float64(i)
		pts[i].Y = r.Loss
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "building loss line")
	}
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)

	canvas := vgimg.NewWith(vgimg.UseWH(6*vg.Inch, 4*vg.Inch))
	p.Draw(draw.New(canvas))
	png := vgimg.PngCanvas{Canvas: canvas}
	if _, err := png.WriteTo(w); err != nil {
		return errors.Wrap(err, "writing loss curve")
	}
	return nil
}
