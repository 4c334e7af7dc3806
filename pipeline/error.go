package pipeline

import (
	"errors"
	"fmt"

	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/raster"
)

var (
	ErrInvalidConfig  = errors.New("pipeline: invalid config")
	ErrUnknownCommand = errors.New("pipeline: unknown command")
	ErrMissingInput   = errors.New("pipeline: missing command input")
	ErrBundleExists   = errors.New("pipeline: bundle exists with different content")
	ErrBundleCorrupt  = errors.New("pipeline: bundle file does not match manifest")
	ErrNoScenes       = errors.New("pipeline: no scenes")
)

// SceneError tags a failure with the scene, and the window when one is known.
type SceneError struct {
	SceneID string
	Window  *geo.Window
	Err     error
}

func newSceneError(id string, err error) error {
	if err == nil {
		return nil
	}
	var se *SceneError
	if errors.As(err, &se) {
		return err
	}
	e := &SceneError{SceneID: id, Err: err}
	var we *raster.WindowError
	if errors.As(err, &we) {
		w := we.Window
		e.Window = &w
	}
	return e
}

// Error leaves the window to the wrapped raster.WindowError message.
func (e *SceneError) Error() string {
	return fmt.Sprintf("scene %s: %v", e.SceneID, e.Err)
}

func (e *SceneError) Unwrap() error { return e.Err }
