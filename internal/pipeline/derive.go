package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/bands"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// DeriveReport lists what one DeriveIndices run did.
type DeriveReport struct {
	Written []string          `json:"written"`
	Skipped int               `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (r *DeriveReport) fail(key string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[key] = err.Error()
	log.Printf("ERROR: deriving from %s: %v", key, err)
}

// DeriveIndices writes the SMI of every thermal scene and the MTVI2 of every
// complete reflectance band group that has no output yet. Outputs encode
// missing pixels as indices.OutputNoData.
func (s *Service) DeriveIndices(ctx context.Context) (*DeriveReport, error) {
	layout := s.locator.Layout()
	store := s.locator.Store()
	report := &DeriveReport{}

	smi, okSMI := layout.Products[indices.SMI]
	st, okST := layout.Products[indices.ST]
	if okSMI && okST && len(st.Markers) > 0 && len(smi.Markers) > 0 {
		existing, err := s.existing(ctx, smi.Prefix)
		if err != nil {
			return nil, err
		}
		scenes, err := s.locator.Keys(ctx, indices.ST)
		if err != nil {
			return nil, err
		}
		for _, k := range scenes {
			out := assets.DerivedKey(k.Key, st.Markers[0], smi.Markers[0], smi.Prefix)
			if existing[out] {
				report.Skipped++
				continue
			}
			if err := s.deriveSMI(ctx, k, out); err != nil {
				report.fail(k.Key, err)
				continue
			}
			report.Written = append(report.Written, out)
		}
	}

	if mt, ok := layout.Products[indices.MTVI2]; ok && len(mt.Markers) > 0 {
		existing, err := s.existing(ctx, mt.Prefix)
		if err != nil {
			return nil, err
		}
		raw, err := store.List(ctx, s.cfg.RawPrefix)
		if err != nil {
			return nil, err
		}
		for _, g := range assets.GroupBandKeys(raw, bands.NIRBand, bands.RedBand, bands.GreenBand) {
			out := assets.DerivedKey(g.NIR, bands.NIRBand, mt.Markers[0], mt.Prefix)
			if existing[out] {
				report.Skipped++
				continue
			}
			if err := s.deriveMTVI2(ctx, g, out); err != nil {
				report.fail(g.NIR, err)
				continue
			}
			report.Written = append(report.Written, out)
		}
	}

	log.Printf("INFO: derived %d index rasters (%d already present, %d failed)",
		len(report.Written), report.Skipped, len(report.Failed))
	return report, nil
}

func (s *Service) existing(ctx context.Context, prefix string) (map[string]bool, error) {
	keys, err := s.locator.Store().List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set, nil
}

func (s *Service) deriveSMI(ctx context.Context, src assets.DatedKey, out string) error {
	band, err := s.fetch(ctx, src.Key)
	if err != nil {
		return err
	}
	smi, err := s.calc.SMI(band, src.Date)
	if err != nil {
		return err
	}
	return s.put(ctx, out, smi)
}

func (s *Service) deriveMTVI2(ctx context.Context, g assets.BandGroup, out string) error {
	var loaded [3]*raster.Band
	for i, key := range []string{g.NIR, g.Green, g.Red} {
		b, err := s.fetch(ctx, key)
		if err != nil {
			return err
		}
		loaded[i] = b
	}
	mtvi2, err := s.calc.MTVI2(loaded[0], loaded[1], loaded[2], time.Time{})
	if err != nil {
		return err
	}
	return s.put(ctx, out, mtvi2)
}

func (s *Service) fetch(ctx context.Context, key string) (*raster.Band, error) {
	data, err := s.locator.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	band, err := raster.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return band, nil
}

func (s *Service) put(ctx context.Context, key string, r indices.IndexRaster) error {
	var buf bytes.Buffer
	if err := raster.Encode(&buf, r.ForEncoding()); err != nil {
		return err
	}
	return s.locator.Store().Put(ctx, key, buf.Bytes())
}
