package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/label"

	"gopkg.in/yaml.v3"
)

const (
	ChipSliding = "sliding"
	ChipRandom  = "random"

	TransformerStats   = "stats"
	TransformerMinMax  = "minmax"
	TransformerCast    = "cast"
	TransformerNan     = "nan"
	TransformerReclass = "reclass"

	FormatGeoJSON = "geojson"
	FormatOGR     = "ogr"
	FormatRaster  = "raster"

	defaultChipSize = 300
	defaultBackend  = "centroid"
)

// Config is one pipeline. It is passed explicitly to every command, so several
// pipelines can run in one process.
type Config struct {
	ID      string     `yaml:"id" json:"id"`
	RootURI string     `yaml:"root_uri" json:"root_uri"`
	Task    label.Task `yaml:"task" json:"task"`
	// Workers bounds the scenes processed concurrently inside a command.
	Workers int   `yaml:"workers" json:"workers"`
	Seed    int64 `yaml:"seed" json:"seed"`

	Dataset DatasetConfig `yaml:"dataset" json:"dataset"`
	Analyze AnalyzeConfig `yaml:"analyze" json:"analyze"`
	Chip    ChipConfig    `yaml:"chip" json:"chip"`
	Train   TrainConfig   `yaml:"train" json:"train"`
	Predict PredictConfig `yaml:"predict" json:"predict"`
	Eval    EvalConfig    `yaml:"eval" json:"eval"`
	Bundle  BundleConfig  `yaml:"bundle" json:"bundle"`

	// Storage does not affect results and is left out of command digests.
	Storage fileio.Options `yaml:"storage" json:"-"`
}

type DatasetConfig struct {
	Classes          label.ClassConfig `yaml:"class_config" json:"class_config"`
	TrainScenes      []SceneConfig     `yaml:"train_scenes" json:"train_scenes"`
	ValidationScenes []SceneConfig     `yaml:"validation_scenes" json:"validation_scenes"`
	TestScenes       []SceneConfig     `yaml:"test_scenes" json:"test_scenes"`
}

type SceneConfig struct {
	ID     string             `yaml:"id" json:"id"`
	Raster RasterSourceConfig `yaml:"raster_source" json:"raster_source"`
	Labels *LabelSourceConfig `yaml:"label_source,omitempty" json:"label_source,omitempty"`
	Store  *LabelStoreConfig  `yaml:"label_store,omitempty" json:"label_store,omitempty"`
	// AOIURIs are GeoJSON files in the raster's map CRS.
	AOIURIs []string `yaml:"aoi_uris,omitempty" json:"aoi_uris,omitempty"`
}

type RasterSourceConfig struct {
	// URIs are stitched into one mosaic when more than one is given.
	URIs         []string    `yaml:"uris" json:"uris"`
	ChannelOrder []int       `yaml:"channel_order,omitempty" json:"channel_order,omitempty"`
	Extent       *geo.Window `yaml:"extent,omitempty" json:"extent,omitempty"`
	FillValue    float64     `yaml:"fill_value,omitempty" json:"fill_value,omitempty"`
	// MapSrid reprojects map coordinates to this EPSG code; 0 keeps the raster CRS.
	MapSrid      int                 `yaml:"map_srid,omitempty" json:"map_srid,omitempty"`
	Transformers []TransformerConfig `yaml:"transformers,omitempty" json:"transformers,omitempty"`
	// Extra sources are appended channel-wise after the primary one.
	Extra []RasterSourceConfig `yaml:"extra,omitempty" json:"extra,omitempty"`
}

type TransformerConfig struct {
	Type    string      `yaml:"type" json:"type"`
	MaxStds float64     `yaml:"max_stds,omitempty" json:"max_stds,omitempty"`
	Dtype   string      `yaml:"dtype,omitempty" json:"dtype,omitempty"`
	Fill    float64     `yaml:"fill,omitempty" json:"fill,omitempty"`
	Mapping map[int]int `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	Strict  bool        `yaml:"strict,omitempty" json:"strict,omitempty"`
}

type LabelSourceConfig struct {
	URI string `yaml:"uri" json:"uri"`
	// Format is geojson, ogr or raster; empty picks geojson for .json/.geojson and ogr otherwise.
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	// RGB marks a raster label source rendered in class colors.
	RGB            bool    `yaml:"rgb,omitempty" json:"rgb,omitempty"`
	DefaultClassID *int    `yaml:"default_class_id,omitempty" json:"default_class_id,omitempty"`
	PointBuffer    float64 `yaml:"point_buffer,omitempty" json:"point_buffer,omitempty"`
	LineWidth      float64 `yaml:"line_width,omitempty" json:"line_width,omitempty"`
	// BackgroundClassID is used when the class config has no null class.
	BackgroundClassID int     `yaml:"background_class_id,omitempty" json:"background_class_id,omitempty"`
	MinCoverage       float64 `yaml:"min_coverage,omitempty" json:"min_coverage,omitempty"`
	PickMinClassID    bool    `yaml:"pick_min_class_id,omitempty" json:"pick_min_class_id,omitempty"`
	CellSize          int     `yaml:"cell_size,omitempty" json:"cell_size,omitempty"`
	MinIOA            float64 `yaml:"min_ioa,omitempty" json:"min_ioa,omitempty"`
	// Transformers apply to the class raster of raster and rasterized label
	// sources, typically a reclass remapping source class ids.
	Transformers []TransformerConfig `yaml:"transformers,omitempty" json:"transformers,omitempty"`
}

type LabelStoreConfig struct {
	// URI defaults to <root>/predict/<scene id>.json (.tif for segmentation).
	URI           string               `yaml:"uri,omitempty" json:"uri,omitempty"`
	RGB           bool                 `yaml:"rgb,omitempty" json:"rgb,omitempty"`
	VectorOutputs []label.VectorOutput `yaml:"vector_outputs,omitempty" json:"vector_outputs,omitempty"`
}

type AnalyzeConfig struct {
	ChipSize   int     `yaml:"chip_size" json:"chip_size"`
	SampleProb float64 `yaml:"sample_prob" json:"sample_prob"`
}

type ChipConfig struct {
	Method string `yaml:"method" json:"method"`
	Size   int    `yaml:"size" json:"size"`
	// Stride of sliding windows, default Size.
	Stride int `yaml:"stride" json:"stride"`
	// ChipsPerScene for random windows.
	ChipsPerScene int `yaml:"chips_per_scene" json:"chips_per_scene"`
}

type TrainConfig struct {
	Backend string         `yaml:"backend" json:"backend"`
	Epochs  int            `yaml:"epochs" json:"epochs"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

type PredictConfig struct {
	ChipSize       int     `yaml:"chip_size" json:"chip_size"`
	Stride         int     `yaml:"stride" json:"stride"`
	BatchSize      int     `yaml:"batch_size" json:"batch_size"`
	NMSIoU         float64 `yaml:"nms_iou" json:"nms_iou"`
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
}

type EvalConfig struct {
	IoUThreshold float64 `yaml:"iou_threshold" json:"iou_threshold"`
}

type BundleConfig struct {
	// URI defaults to <root>/bundle.
	URI string `yaml:"uri,omitempty" json:"uri,omitempty"`
}

// LoadConfig reads one YAML pipeline config, applies defaults and validates it.
// Unknown keys are errors.
func LoadConfig(ctx context.Context, fs fileio.FS, uri string) (*Config, error) {
	data, err := fs.Read(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, uri, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills unset fields. It is idempotent.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Analyze.ChipSize <= 0 {
		c.Analyze.ChipSize = defaultChipSize
	}
	if c.Chip.Method == "" {
		c.Chip.Method = ChipSliding
	}
	if c.Chip.Size <= 0 {
		c.Chip.Size = defaultChipSize
	}
	if c.Chip.Stride <= 0 {
		c.Chip.Stride = c.Chip.Size
	}
	if c.Chip.ChipsPerScene <= 0 {
		c.Chip.ChipsPerScene = 100
	}
	if c.Train.Backend == "" {
		c.Train.Backend = defaultBackend
	}
	if c.Train.Epochs <= 0 {
		c.Train.Epochs = 10
	}
	if c.Predict.ChipSize <= 0 {
		c.Predict.ChipSize = c.Chip.Size
	}
	if c.Predict.Stride <= 0 {
		c.Predict.Stride = c.Predict.ChipSize
	}
	if c.Predict.BatchSize <= 0 {
		c.Predict.BatchSize = 8
	}
	if c.Predict.NMSIoU <= 0 {
		c.Predict.NMSIoU = 0.5
	}
	if c.Eval.IoUThreshold <= 0 {
		c.Eval.IoUThreshold = 0.5
	}
	if c.Bundle.URI == "" && c.RootURI != "" {
		c.Bundle.URI = fileio.Join(c.RootURI, "bundle")
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}
	if c.ID == "" {
		add("missing id")
	}
	if c.RootURI == "" {
		add("missing root_uri")
	}
	if !c.Task.Valid() {
		add("unknown task %q", c.Task)
	}
	if err := c.Dataset.Classes.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Chip.Method {
	case ChipSliding, ChipRandom:
	default:
		add("unknown chip method %q", c.Chip.Method)
	}
	if c.Analyze.SampleProb < 0 || c.Analyze.SampleProb > 1 {
		add("analyze.sample_prob %v outside [0, 1]", c.Analyze.SampleProb)
	}
	if c.Predict.NMSIoU > 1 || c.Predict.ScoreThreshold < 0 || c.Predict.ScoreThreshold > 1 {
		add("predict thresholds outside [0, 1]")
	}
	for _, split := range []struct {
		name   string
		scenes []SceneConfig
	}{
		{"train", c.Dataset.TrainScenes},
		{"validation", c.Dataset.ValidationScenes},
		{"test", c.Dataset.TestScenes},
	} {
		seen := map[string]bool{}
		for i, sc := range split.scenes {
			where := fmt.Sprintf("%s scene %d", split.name, i)
			if sc.ID == "" {
				add("%s: missing id", where)
			} else if seen[sc.ID] {
				add("%s: duplicate id %q", where, sc.ID)
			}
			seen[sc.ID] = true
			errs = append(errs, c.validateScene(where, &sc)...)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateScene(where string, sc *SceneConfig) (errs []error) {
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: "+format, append([]any{ErrInvalidConfig, where}, args...)...))
	}
	checkTransformers := func(ts []TransformerConfig) {
		for _, t := range ts {
			switch t.Type {
			case TransformerStats, TransformerMinMax, TransformerNan, TransformerReclass:
			case TransformerCast:
				if t.Dtype == "" {
					add("cast transformer without dtype")
				}
			default:
				add("unknown transformer %q", t.Type)
			}
		}
	}
	var checkRaster func(r *RasterSourceConfig)
	checkRaster = func(r *RasterSourceConfig) {
		if len(r.URIs) == 0 {
			add("raster source without uris")
		}
		checkTransformers(r.Transformers)
		for i := range r.Extra {
			checkRaster(&r.Extra[i])
		}
	}
	checkRaster(&sc.Raster)
	n := c.Dataset.Classes.Len()
	if l := sc.Labels; l != nil {
		if l.URI == "" {
			add("label source without uri")
		}
		checkTransformers(l.Transformers)
		if len(l.Transformers) > 0 && c.Task != label.TaskSemanticSegmentation {
			add("label transformers need task %s", label.TaskSemanticSegmentation)
		}
		switch l.Format {
		case "", FormatGeoJSON, FormatOGR:
		case FormatRaster:
			if c.Task != label.TaskSemanticSegmentation {
				add("raster labels need task %s", label.TaskSemanticSegmentation)
			}
		default:
			add("unknown label format %q", l.Format)
		}
		if l.DefaultClassID != nil && (*l.DefaultClassID < 0 || *l.DefaultClassID >= n) {
			add("default_class_id %d out of range", *l.DefaultClassID)
		}
		if l.BackgroundClassID < 0 || l.BackgroundClassID >= max(n, 1) {
			add("background_class_id %d out of range", l.BackgroundClassID)
		}
	}
	if s := sc.Store; s != nil {
		if s.RGB && c.Task == label.TaskSemanticSegmentation {
			if _, err := c.Dataset.Classes.ColorMap(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		}
		for _, vo := range s.VectorOutputs {
			if vo.ClassID < 0 || vo.ClassID >= n || vo.URI == "" {
				add("invalid vector output %+v", vo)
			}
		}
	}
	return
}

// ValidateFor checks what the given commands need from the scenes.
func (c *Config) ValidateFor(cmds []Command) error {
	var errs []error
	needLabels := func(cmd Command, split string, scenes []SceneConfig) {
		for _, sc := range scenes {
			if sc.Labels == nil {
				errs = append(errs, fmt.Errorf("%w: %s needs a label source for %s scene %q", ErrInvalidConfig, cmd, split, sc.ID))
			}
		}
	}
	for _, cmd := range cmds {
		switch cmd {
		case CmdAnalyze:
			if len(c.Dataset.TrainScenes) == 0 {
				errs = append(errs, fmt.Errorf("%w: %s needs train scenes", ErrInvalidConfig, cmd))
			}
		case CmdChip:
			if len(c.Dataset.TrainScenes) == 0 {
				errs = append(errs, fmt.Errorf("%w: %s needs train scenes", ErrInvalidConfig, cmd))
			}
			needLabels(cmd, "train", c.Dataset.TrainScenes)
			needLabels(cmd, "validation", c.Dataset.ValidationScenes)
		case CmdPredict:
			if len(c.Dataset.ValidationScenes)+len(c.Dataset.TestScenes) == 0 {
				errs = append(errs, fmt.Errorf("%w: %s needs validation or test scenes", ErrInvalidConfig, cmd))
			}
		case CmdEval:
			needLabels(cmd, "validation", c.Dataset.ValidationScenes)
			needLabels(cmd, "test", c.Dataset.TestScenes)
		}
	}
	return errors.Join(errs...)
}

// vectorFormat resolves an unset label format from the file extension.
func vectorFormat(l *LabelSourceConfig) string {
	if l.Format != "" {
		return l.Format
	}
	switch strings.ToLower(path.Ext(l.URI)) {
	case ".json", ".geojson":
		return FormatGeoJSON
	}
	return FormatOGR
}
