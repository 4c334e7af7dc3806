// Package label turns vector and raster ground truth into per-window labels and
// persists predicted labels per scene.
package label

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wgdzlh/rvpipe/utils"
)

const DefaultNullClass = "null"

// Color is an RGB class color.
type Color [3]uint8

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// ParseColor accepts "#rrggbb" or "r,g,b".
func ParseColor(s string) (c Color, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		var v uint64
		if v, err = strconv.ParseUint(s[1:], 16, 32); err == nil {
			c = Color{uint8(v >> 16), uint8(v >> 8), uint8(v)}
			return
		}
	} else if parts := strings.Split(s, ","); len(parts) == 3 {
		for i, p := range parts {
			var v uint64
			if v, err = strconv.ParseUint(strings.TrimSpace(p), 10, 8); err != nil {
				break
			}
			c[i] = uint8(v)
		}
		if err == nil {
			return
		}
	}
	err = fmt.Errorf("%w: %q", ErrInvalidColor, s)
	return
}

// ClassConfig lists the classes of a dataset. A class id is an index into Names.
type ClassConfig struct {
	Names []string `yaml:"names" json:"names"`
	// Colors, when set, has one entry per name.
	Colors []string `yaml:"colors,omitempty" json:"colors,omitempty"`
	// NullClass names the background class, if any.
	NullClass string `yaml:"null_class,omitempty" json:"null_class,omitempty"`
}

func (c *ClassConfig) Validate() error {
	if len(c.Names) == 0 {
		return ErrNoClasses
	}
	seen := map[string]bool{}
	for _, n := range c.Names {
		k := utils.FoldName(n)
		if seen[k] {
			return fmt.Errorf("%w: %q", ErrDuplicateClass, n)
		}
		seen[k] = true
	}
	if c.NullClass != "" {
		if _, ok := c.ID(c.NullClass); !ok {
			return fmt.Errorf("%w: null class %q", ErrUnknownClass, c.NullClass)
		}
	}
	if len(c.Colors) > 0 {
		if len(c.Colors) != len(c.Names) {
			return fmt.Errorf("%w: %d colors for %d classes", ErrInvalidColor, len(c.Colors), len(c.Names))
		}
		for _, s := range c.Colors {
			if _, err := ParseColor(s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *ClassConfig) Len() int { return len(c.Names) }

// ID looks a class up by case-folded name.
func (c *ClassConfig) ID(name string) (int, bool) {
	k := utils.FoldName(name)
	for i, n := range c.Names {
		if utils.FoldName(n) == k {
			return i, true
		}
	}
	return 0, false
}

func (c *ClassConfig) Name(id int) string {
	if id < 0 || id >= len(c.Names) {
		return ""
	}
	return c.Names[id]
}

// NullClassID returns the background class id, falling back to 0 when none is configured.
func (c *ClassConfig) NullClassID() (int, bool) {
	if c.NullClass == "" {
		return 0, false
	}
	return c.ID(c.NullClass)
}

// EnsureNullClass appends a "null" class in black when no null class is configured.
func (c *ClassConfig) EnsureNullClass() {
	if c.NullClass != "" {
		return
	}
	if _, ok := c.ID(DefaultNullClass); !ok {
		c.Names = append(c.Names, DefaultNullClass)
		if len(c.Colors) > 0 {
			c.Colors = append(c.Colors, "#000000")
		}
	}
	c.NullClass = DefaultNullClass
}

// ColorMap parses the class colors and checks that no two classes share one.
func (c *ClassConfig) ColorMap() (ret []Color, err error) {
	if len(c.Colors) != len(c.Names) {
		return nil, fmt.Errorf("%w: %d colors for %d classes", ErrInvalidColor, len(c.Colors), len(c.Names))
	}
	ret = make([]Color, len(c.Colors))
	used := map[Color]int{}
	for i, s := range c.Colors {
		if ret[i], err = ParseColor(s); err != nil {
			return nil, err
		}
		if j, dup := used[ret[i]]; dup {
			return nil, fmt.Errorf("%w: %s used by %q and %q", ErrColorNotInjective, ret[i], c.Names[j], c.Names[i])
		}
		used[ret[i]] = i
	}
	return
}
