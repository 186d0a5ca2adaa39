package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/geometry"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// IndicesRequest selects products for the display path. An empty Products
// list means every product.
type IndicesRequest struct {
	AOI           *geometry.AOI
	Products      []indices.Product
	IncludePixels bool
}

// Indices fetches and masks the latest scene's products concurrently. At
// most Config.Workers products are processed at once and Config.BatchTimeout
// bounds the whole batch. A failing product is reported in the result
// without failing the others; an error is returned only when no product
// could be produced.
func (s *Service) Indices(ctx context.Context, req IndicesRequest) (*IndicesResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	scene, err := s.scene(ctx)
	if err != nil {
		return nil, err
	}

	products := req.Products
	if len(products) == 0 {
		products = indices.Products
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sem  = make(chan struct{}, s.cfg.Workers)
		errs = make(map[indices.Product]error)
		res  = &IndicesResult{
			Date:   scene.Date,
			Layers: make(map[indices.Product]*Layer),
		}
	)

	for _, p := range products {
		key, ok := scene.Keys[p]
		if !ok {
			mu.Lock()
			errs[p] = fmt.Errorf("no %s object for %s", p, scene.Date.Format(time.DateOnly))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(p indices.Product, key string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs[p] = ctx.Err()
				mu.Unlock()
				return
			}

			layer, err := s.layer(ctx, p, key, scene.Date, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("ERROR: product %s failed for scene %s: %v", p, scene.Date.Format(time.DateOnly), err)
				errs[p] = err
				return
			}
			res.Layers[p] = layer
		}(p, key)
	}

	wg.Wait()

	if len(errs) > 0 {
		res.Errors = make(map[indices.Product]string, len(errs))
		for p, err := range errs {
			res.Errors[p] = err.Error()
		}
	}
	if len(res.Layers) == 0 {
		for _, p := range products {
			if err, ok := errs[p]; ok {
				return res, fmt.Errorf("no product could be masked: %w", err)
			}
		}
		return res, fmt.Errorf("no product could be masked")
	}
	return res, nil
}

func (s *Service) layer(ctx context.Context, p indices.Product, key string, date time.Time, req IndicesRequest) (*Layer, error) {
	data, err := s.locator.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	band, err := raster.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	band, err = s.display(p, band.MaskNoData(), date)
	if err != nil {
		return nil, err
	}

	m, err := geometry.Mask(band, req.AOI, geometry.MaskOptions{Crop: true})
	if err != nil {
		return nil, err
	}
	if !m.HasData() {
		return nil, ErrNoValidPixels
	}

	layer := &Layer{
		Product:   p,
		Key:       key,
		Date:      date,
		Window:    m.Window,
		Summary:   raster.Summarize(m.Band),
		Histogram: raster.NewHistogram(m.Band, s.cfg.HistogramBins),
		Masked:    m,
	}
	if req.IncludePixels {
		layer.Pixels = m.Band.Rows2D()
	}
	return layer, nil
}

// display converts a stored product into display units. Surface temperature
// is stored as digital numbers; the other products are stored as indices.
func (s *Service) display(p indices.Product, band *raster.Band, date time.Time) (*raster.Band, error) {
	if p != indices.ST {
		return band, nil
	}
	st, err := s.calc.SurfaceTemperature(band, date)
	if err != nil {
		return nil, err
	}
	return st.Band, nil
}
