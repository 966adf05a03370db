// Package fractal renders escape-time fractals and splits large renders
// across worker nodes.
//
// # Overview
//
// A Params value describes one image: the formula (Mandelbrot or Julia),
// iteration and escape settings, the viewport, and a colour gradient.
// A Job binds a Params snapshot to a pixel buffer, a supersampling factor
// and a dispatch stamp. An Engine fills jobs using a fixed number of
// goroutines.
//
// # Quick Start
//
//	import "github.com/gogpu/fractal"
//
//	p := fractal.NewParams()
//	p.Width, p.Height = 800, 600
//
//	e := fractal.NewEngine(0)
//	defer e.Close()
//
//	job, _ := fractal.NewJob(p, 2, 1, nil)
//	_ = e.RenderRows(job, 0, job.Height())
//	job.ResizeBack()
//
// # Interactive Use
//
// Dispatch renders in the background and calls back once. When the view
// changes faster than renders finish, take stamps from a Tracker and Offer
// each completed job to it; only the newest survives.
//
// # Distributed Rendering
//
// The node package serves render requests over TCP. The distrib package
// hands out row bunches to a set of nodes on demand and reassembles the
// image. The sink package writes the result as TIFF to disk or S3.
//
// # Pixel Format
//
// Pixels are packed 32-bit ARGB values, alpha in the high byte, not
// premultiplied. Rows are stored top to bottom.
//
// # Coordinate System
//
// Pixel (x, y) maps to the plane point
//   - re = (2x/h - w/h)·zoom + center.re
//   - im = (2y/h - 1)·zoom + center.im
//
// so Zoom is half the visible height and pixels are square.
package fractal
