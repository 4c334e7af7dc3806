package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"
	"github.com/wgdzlh/rvpipe/raster"
	"github.com/wgdzlh/rvpipe/utils"
)

// ChipRecord is the on-disk form of a training sample shared by the built-in backends.
type ChipRecord struct {
	SceneID    string            `json:"scene_id"`
	Split      string            `json:"split"`
	Window     geo.Window        `json:"window"`
	Chip       *raster.Image     `json:"chip"`
	ClassID    *int              `json:"class_id,omitempty"`
	Detections []label.Detection `json:"detections,omitempty"`
	Mask       *raster.Image     `json:"mask,omitempty"`
}

// NewChipRecord flattens the labels of s. Segmentation pixels without a label
// take fillClass.
func NewChipRecord(s Sample, fillClass int) (r ChipRecord, err error) {
	r = ChipRecord{SceneID: s.SceneID, Split: s.Split, Window: s.Window, Chip: s.Chip}
	switch l := s.Labels.(type) {
	case nil:
	case *label.ChipClassificationLabels:
		ws := l.Windows()
		if len(ws) == 0 {
			break
		}
		c, _ := l.Get(ws[0])
		id := c.ClassID
		r.ClassID = &id
	case *label.ObjectDetectionLabels:
		r.Detections = l.Sorted().Detections
	case *label.SegmentationLabels:
		r.Mask = l.ClassRaster(l.Extent(), fillClass)
	default:
		err = fmt.Errorf("%w: labels %T", ErrUnsupportedTask, s.Labels)
	}
	return
}

func chipName(r *ChipRecord) string {
	return fmt.Sprintf("%s-%d-%d-%d-%d.json", utils.SafeName(r.SceneID), r.Window.X, r.Window.Y, r.Window.W, r.Window.H)
}

// WriteChips stores samples below dir/<split>/. Names derive from scene and
// window, so concurrent writers of different scenes never collide.
func WriteChips(ctx context.Context, fs fileio.FS, dir string, samples []Sample, fillClass int) error {
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := NewChipRecord(s, fillClass)
		if err != nil {
			return err
		}
		if r.Split == "" {
			r.Split = SplitTrain
		}
		data, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		if err = fs.Write(ctx, fileio.Join(dir, r.Split, chipName(&r)), data); err != nil {
			return err
		}
	}
	return nil
}

// ReadChips loads every record of split below dir in name order.
func ReadChips(ctx context.Context, fs fileio.FS, dir, split string) (ret []ChipRecord, err error) {
	uris, err := fs.List(ctx, fileio.Join(dir, split))
	if err != nil {
		return
	}
	for _, u := range uris {
		if !strings.HasSuffix(u, ".json") {
			continue
		}
		data, err := fs.Read(ctx, u)
		if err != nil {
			return nil, err
		}
		var r ChipRecord
		if err = json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("chip %s: %w", u, err)
		}
		ret = append(ret, r)
	}
	return
}
