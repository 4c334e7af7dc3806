package raster

import (
	"errors"
	"fmt"

	"github.com/wgdzlh/rvpipe/geo"
)

var (
	ErrWindowOutOfBounds  = errors.New("raster: window does not overlap the raster extent")
	ErrChannelMismatch    = errors.New("raster: channel count mismatch")
	ErrShapeMismatch      = errors.New("raster: image shape mismatch")
	ErrInvalidTif         = errors.New("raster: invalid raster file")
	ErrRasterRead         = errors.New("raster: read failed")
	ErrRasterWrite        = errors.New("raster: write failed")
	ErrEmptyMosaic        = errors.New("raster: mosaic without files")
	ErrGridMismatch       = errors.New("raster: mosaic files are not on a common pixel grid")
	ErrProjectionMismatch = errors.New("raster: mosaic files differ in projection")
	ErrUnmappedClass      = errors.New("raster: class id missing from reclass mapping")
	ErrUnsupportedDtype   = errors.New("raster: unsupported data type")
)

// WindowError tags a read or transform failure with the window it happened in.
type WindowError struct {
	Window geo.Window
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %v: %v", e.Window, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }
