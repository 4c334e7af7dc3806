package label

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/raster"
	"github.com/wgdzlh/rvpipe/utils"
	"github.com/wgdzlh/rvpipe/vector"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"go.uber.org/zap"
)

// VectorOutput polygonizes one class of the predicted raster into a GeoJSON file.
type VectorOutput struct {
	ClassID int    `yaml:"class_id" json:"class_id"`
	URI     string `yaml:"uri" json:"uri"`
	// Simplify, when positive, is a Douglas-Peucker tolerance in pixels.
	Simplify float64 `yaml:"simplify,omitempty" json:"simplify,omitempty"`
}

// SegmentationStoreOptions configures a SemanticSegmentationStore.
type SegmentationStoreOptions struct {
	// Extent of the labelled raster in scene pixels.
	Extent geo.Window
	// RGB encodes classes with their configured colors instead of ids.
	RGB bool
	// Affine and Projection georeference the output; Affine is the scene raster's.
	Affine     *geo.Affine
	Projection string
	// CRS maps vector outputs to map coordinates; nil keeps pixels.
	CRS           geo.CRSTransformer
	VectorOutputs []VectorOutput
	// CacheDir holds temporary GeoTIFFs before upload. Defaults to the OS temp dir.
	CacheDir string
}

// SemanticSegmentationStore writes the merged class raster of a scene as a GeoTIFF,
// optionally RGB encoded. Vector outputs are written alongside and not read back;
// they trace pixel footprints exactly.
type SemanticSegmentationStore struct {
	fs      fileio.FS
	uri     string
	classes ClassConfig
	opts    SegmentationStoreOptions
	colors  []Color
	logTag  string
}

var _ Store = (*SemanticSegmentationStore)(nil)

func NewSemanticSegmentationStore(fs fileio.FS, uri string, classes ClassConfig, opts SegmentationStoreOptions) (s *SemanticSegmentationStore, err error) {
	s = &SemanticSegmentationStore{fs: fs, uri: uri, classes: classes, opts: opts, logTag: "SegmentationStore:"}
	if opts.Extent.Empty() {
		return nil, fmt.Errorf("%w: empty extent", ErrShapeMismatch)
	}
	if opts.RGB {
		if s.colors, err = classes.ColorMap(); err != nil {
			return nil, err
		}
	}
	for _, vo := range opts.VectorOutputs {
		if vo.ClassID < 0 || vo.ClassID >= classes.Len() {
			return nil, fmt.Errorf("%w: vector output class %d", ErrUnknownClass, vo.ClassID)
		}
	}
	return
}

func (s *SemanticSegmentationStore) Task() Task  { return TaskSemanticSegmentation }
func (s *SemanticSegmentationStore) URI() string { return s.uri }

// VectorURIs lists the polygon outputs written by Save.
func (s *SemanticSegmentationStore) VectorURIs() (ret []string) {
	for _, vo := range s.opts.VectorOutputs {
		ret = append(ret, vo.URI)
	}
	return
}

func (s *SemanticSegmentationStore) fillID() int {
	id, _ := s.classes.NullClassID()
	return id
}

func (s *SemanticSegmentationStore) Save(ctx context.Context, l Labels) (err error) {
	sl, ok := l.(*SegmentationLabels)
	if !ok {
		return fmt.Errorf("%w: %s store got %s", ErrTaskMismatch, s.Task(), l.Task())
	}
	ext := s.opts.Extent
	classes := sl.ClassRaster(ext, s.fillID())
	img, wo := classes, raster.WriteOptions{Projection: s.opts.Projection}
	if s.classes.Len() > 256 {
		wo.Dtype = "uint16"
	}
	if s.opts.RGB {
		img = s.encodeRGB(classes)
		wo.Dtype = "uint8"
	}
	if s.opts.Affine != nil {
		gt := *s.opts.Affine
		gt[0], gt[3] = gt.Apply(float64(ext.X), float64(ext.Y))
		wo.Affine = &gt
	}
	if err = s.writeTif(ctx, img, wo); err != nil {
		return
	}
	ids := make([]int, len(classes.Data))
	for i, v := range classes.Data {
		ids[i] = int(v)
	}
	for _, vo := range s.opts.VectorOutputs {
		if err = s.writePolygons(ctx, ids, vo); err != nil {
			return
		}
	}
	return
}

func (s *SemanticSegmentationStore) writeTif(ctx context.Context, img *raster.Image, wo raster.WriteOptions) (err error) {
	root := s.opts.CacheDir
	if root == "" {
		root = os.TempDir()
	}
	dir, err := utils.GetUniqSubDir(root)
	if err != nil {
		return
	}
	defer os.RemoveAll(dir)
	tmp := filepath.Join(dir, "labels.tif")
	if err = raster.WriteGdal(tmp, img, wo); err != nil {
		return
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		return
	}
	if err = s.fs.Write(ctx, s.uri, data); err != nil {
		return
	}
	log.Info(s.logTag+"saved class raster", zap.String("uri", s.uri), zap.Bool("rgb", s.opts.RGB),
		zap.Int("width", img.W), zap.Int("height", img.H))
	return
}

func (s *SemanticSegmentationStore) writePolygons(ctx context.Context, ids []int, vo VectorOutput) error {
	ext := s.opts.Extent
	fc := geojson.NewFeatureCollection()
	for _, mp := range geo.Polygonize(ids, ext.W, ext.H, vo.ClassID, ext) {
		if vo.Simplify > 0 {
			mp = simplify.DouglasPeucker(vo.Simplify).MultiPolygon(mp)
		}
		var f *geojson.Feature
		if s.opts.CRS != nil {
			f = geojson.NewFeature(geo.GeometryToMap(s.opts.CRS, mp))
		} else {
			f = geojson.NewFeature(mp)
		}
		f.Properties[vector.PropClassID] = vo.ClassID
		f.Properties[vector.PropClassName] = s.classes.Name(vo.ClassID)
		fc.Append(f)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	log.Info(s.logTag+"polygonized class", zap.Int("classId", vo.ClassID), zap.Int("components", len(fc.Features)), zap.String("uri", vo.URI))
	return s.fs.Write(ctx, vo.URI, data)
}

func (s *SemanticSegmentationStore) encodeRGB(classes *raster.Image) *raster.Image {
	out := raster.NewImage(classes.H, classes.W, 3)
	for p, v := range classes.Data {
		c := s.colors[int(v)]
		out.Data[p*3], out.Data[p*3+1], out.Data[p*3+2] = float64(c[0]), float64(c[1]), float64(c[2])
	}
	return out
}

func (s *SemanticSegmentationStore) Load(ctx context.Context) (Labels, error) {
	path, err := s.fs.LocalPath(ctx, s.uri)
	if err != nil {
		return nil, err
	}
	r, err := raster.OpenGdal(path, raster.GdalOptions{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	ext := s.opts.Extent
	if w, h := r.Size(); w != ext.W || h != ext.H {
		return nil, fmt.Errorf("%w: %s is %dx%d, extent %v", ErrShapeMismatch, s.uri, w, h, ext)
	}
	img, err := r.ReadRaw(geo.WindowFromSize(ext.W, ext.H), bandsOf(r.BandCount()))
	if err != nil {
		return nil, err
	}
	if s.opts.RGB {
		if img.C != 3 {
			return nil, fmt.Errorf("%w: %s has %d bands, rgb needs 3", raster.ErrChannelMismatch, s.uri, img.C)
		}
		colors := make(map[Color]int, len(s.colors))
		for i, c := range s.colors {
			colors[c] = i
		}
		if img, err = decodeRGB(img, colors, &s.classes); err != nil {
			return nil, err
		}
	} else if img.C != 1 {
		return nil, fmt.Errorf("%w: %s has %d bands", raster.ErrChannelMismatch, s.uri, img.C)
	}
	ret := NewSegmentationLabels(ext, s.classes.Len())
	if err = ret.AddClassRaster(ext, img); err != nil {
		return nil, err
	}
	return ret, nil
}

func bandsOf(n int) []int {
	ret := make([]int, n)
	for i := range ret {
		ret[i] = i
	}
	return ret
}
