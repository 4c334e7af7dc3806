package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/label"
)

type ClassMetrics struct {
	ClassID   int    `json:"class_id"`
	ClassName string `json:"class_name"`
	ClassCounts
	Precision Metric `json:"precision"`
	Recall    Metric `json:"recall"`
	F1        Metric `json:"f1"`
	IoU       Metric `json:"iou"`
}

type SceneReport struct {
	SceneID string         `json:"scene_id,omitempty"`
	Classes []ClassMetrics `json:"classes"`
	// Average is the ground truth weighted mean over classes with defined values.
	Average ClassMetrics `json:"average"`
	// Micro is computed from the counts summed over classes.
	Micro ClassMetrics `json:"micro"`
}

type Report struct {
	Task    label.Task    `json:"task"`
	Overall SceneReport   `json:"overall"`
	Scenes  []SceneReport `json:"scenes"`
}

func (r *Report) Save(ctx context.Context, fs fileio.FS, uri string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return fs.Write(ctx, uri, data)
}

func LoadReport(ctx context.Context, fs fileio.FS, uri string) (*Report, error) {
	data, err := fs.Read(ctx, uri)
	if err != nil {
		return nil, err
	}
	r := &Report{}
	if err = json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("eval report %s: %w", uri, err)
	}
	return r, nil
}
