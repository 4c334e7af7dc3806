package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/wgdzlh/rvpipe/analyzer"
	"github.com/wgdzlh/rvpipe/backend"
	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/log"

	"go.uber.org/zap"
)

const (
	manifestName     = "manifest.json"
	bundleConfigName = "config.json"
	bundleStatsName  = "stats.json"
	bundleModelDir   = "model"
)

// Manifest lists the files of a bundle with their SHA-256, keyed by path
// relative to the bundle root.
type Manifest struct {
	PipelineID   string            `json:"pipeline_id"`
	ConfigDigest string            `json:"config_digest"`
	Backend      string            `json:"backend"`
	Files        map[string]string `json:"files"`
}

// bundleFiles collects the model, the stats and the resolved config.
func (p *Pipeline) bundleFiles(ctx context.Context) (map[string][]byte, error) {
	files := map[string][]byte{}
	dir := modelDir(p.cfg)
	uris, err := p.listOutputs(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, u := range uris {
		rel, ok := fileio.Rel(dir, u)
		if !ok {
			continue
		}
		if files[bundleModelDir+"/"+rel], err = p.fs.Read(ctx, u); err != nil {
			return nil, err
		}
	}
	if files[bundleStatsName], err = p.fs.Read(ctx, statsURI(p.cfg)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	if files[bundleConfigName], err = json.MarshalIndent(p.cfg, "", "  "); err != nil {
		return nil, err
	}
	return files, nil
}

// bundle writes an immutable model bundle. An existing bundle with other
// contents is only replaced under Force.
func (p *Pipeline) bundle(ctx context.Context) ([]string, error) {
	root := p.cfg.Bundle.URI
	files, err := p.bundleFiles(ctx)
	if err != nil {
		return nil, err
	}
	m := &Manifest{PipelineID: p.cfg.ID, ConfigDigest: p.Digest(CmdBundle), Backend: p.backend.Name(), Files: map[string]string{}}
	for name, data := range files {
		m.Files[name] = fileio.Digest(data)
	}
	names := slices.Sorted(maps.Keys(files))
	outs := make([]string, 0, len(names)+1)
	for _, name := range names {
		outs = append(outs, fileio.Join(root, name))
	}
	manifestURI := fileio.Join(root, manifestName)
	outs = append(outs, manifestURI)

	old, err := readManifest(ctx, p.fs, root)
	switch {
	case err == nil && maps.Equal(old.Files, m.Files):
		verr := verifyBundle(ctx, p.fs, root, old)
		if verr == nil {
			log.Info(p.logTag+"bundle unchanged", zap.String("uri", root))
			return outs, nil
		}
		// same manifest, damaged files: restore the content it names
		log.Warn(p.logTag+"rewriting damaged bundle", zap.String("uri", root), zap.Error(verr))
	case err == nil && !p.force:
		return nil, fmt.Errorf("%w: %s", ErrBundleExists, root)
	case err != nil && !errors.Is(err, fileio.ErrNotExist):
		log.Warn(p.logTag+"replacing unreadable bundle", zap.String("uri", root), zap.Error(err))
	}
	if err = p.fs.Delete(ctx, root); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err = p.fs.Write(ctx, fileio.Join(root, name), files[name]); err != nil {
			return nil, err
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err = p.fs.Write(ctx, manifestURI, data); err != nil {
		return nil, err
	}
	log.Info(p.logTag+"bundle written", zap.String("uri", root), zap.Int("files", len(names)))
	return outs, nil
}

func readManifest(ctx context.Context, fs fileio.FS, root string) (*Manifest, error) {
	data, err := fs.Read(ctx, fileio.Join(root, manifestName))
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err = json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// verifyBundle re-hashes every file the manifest lists.
func verifyBundle(ctx context.Context, fs fileio.FS, root string, m *Manifest) error {
	for _, name := range slices.Sorted(maps.Keys(m.Files)) {
		data, err := fs.Read(ctx, fileio.Join(root, name))
		switch {
		case errors.Is(err, fileio.ErrNotExist):
			return fmt.Errorf("%w: bundle file %s: %w", ErrBundleCorrupt, name, err)
		case err != nil:
			return err
		case fileio.Digest(data) != m.Files[name]:
			return fmt.Errorf("%w: bundle file %s", ErrBundleCorrupt, name)
		}
	}
	return nil
}

// Bundle is a verified model bundle opened for inference.
type Bundle struct {
	URI      string
	Manifest *Manifest
	Config   *Config
	Stats    *analyzer.Stats

	fs fileio.FS
}

// OpenBundle reads a bundle and checks every file against its manifest.
func OpenBundle(ctx context.Context, fs fileio.FS, uri string) (b *Bundle, err error) {
	m, err := readManifest(ctx, fs, uri)
	if err != nil {
		return
	}
	if err = verifyBundle(ctx, fs, uri, m); err != nil {
		return
	}
	data, err := fs.Read(ctx, fileio.Join(uri, bundleConfigName))
	if err != nil {
		return
	}
	cfg := &Config{}
	if err = json.Unmarshal(data, cfg); err != nil {
		return
	}
	st, err := analyzer.LoadStats(ctx, fs, fileio.Join(uri, bundleStatsName))
	if err != nil {
		return
	}
	return &Bundle{URI: uri, Manifest: m, Config: cfg, Stats: st, fs: fs}, nil
}

// Predictor loads the bundled model with the backend that trained it.
func (b *Bundle) Predictor(ctx context.Context) (backend.Predictor, error) {
	c := b.Config
	be, err := backend.New(b.Manifest.Backend, c.Task, c.Dataset.Classes.Len(), c.Train.Params)
	if err != nil {
		return nil, err
	}
	return be.LoadModel(ctx, b.fs, fileio.Join(b.URI, bundleModelDir))
}
