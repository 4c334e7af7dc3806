package label

import "errors"

var (
	ErrNoClasses         = errors.New("label: class config has no classes")
	ErrDuplicateClass    = errors.New("label: duplicate class name")
	ErrInvalidColor      = errors.New("label: invalid class color")
	ErrColorNotInjective = errors.New("label: class colors are not unique")
	ErrUnknownClass      = errors.New("label: unknown class")
	ErrUnknownColor      = errors.New("label: pixel color matches no class")
	ErrTaskMismatch      = errors.New("label: labels of another task")
	ErrShapeMismatch     = errors.New("label: window and raster shapes differ")
)
