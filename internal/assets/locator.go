package assets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/common"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// ErrNoScene is returned when no dated scene can be found in the store.
var ErrNoScene = errors.New("no scene available")

// DefaultBucket is the bucket the production layout lives in.
const DefaultBucket = "agrisense3"

// ProductKeys describes where one product's objects live. The acquisition
// date is the eight YYYYMMDD characters at DateOffset of the full key.
type ProductKeys struct {
	Prefix     string   `json:"prefix"`
	Markers    []string `json:"markers"`
	DateOffset int      `json:"dateOffset"`
}

// KeyLayout maps products to their key conventions. When DatePattern is set
// its first submatch is used instead of the fixed offsets.
type KeyLayout struct {
	Products    map[indices.Product]ProductKeys
	Masked      ProductKeys
	DatePattern *regexp.Regexp
}

// DefaultLayout is the production layout: Collection 2 scene ids under
// converted/, derived indices under their own prefixes and field-masked
// EVI under landsat_masked/.
func DefaultLayout() KeyLayout {
	return KeyLayout{
		Products: map[indices.Product]ProductKeys{
			indices.EVI:   {Prefix: "converted/", Markers: []string{"EVI"}, DateOffset: 27},
			indices.ST:    {Prefix: "converted/", Markers: []string{"ST_B10"}, DateOffset: 27},
			indices.MTVI2: {Prefix: "mtvi2_output/", Markers: []string{"MTVI2"}, DateOffset: 30},
			indices.SMI:   {Prefix: "smi_output/", Markers: []string{"SMI"}, DateOffset: 28},
		},
		Masked: ProductKeys{Prefix: "landsat_masked/", Markers: []string{"EVI"}, DateOffset: 32},
	}
}

// DatedKey is an object key with its acquisition date.
type DatedKey struct {
	Key  string    `json:"key"`
	Date time.Time `json:"date"`
}

// Scene is the newest acquisition with the keys found for each product.
type Scene struct {
	Date time.Time                  `json:"date"`
	Keys map[indices.Product]string `json:"keys"`
}

// Locator discovers dated product objects in a BlobStore.
type Locator struct {
	store  BlobStore
	layout KeyLayout
	logf   func(format string, args ...any)
}

// NewLocator uses DefaultLayout when layout has no products.
func NewLocator(store BlobStore, layout KeyLayout) *Locator {
	if len(layout.Products) == 0 {
		def := DefaultLayout()
		layout.Products = def.Products
		if layout.Masked.Prefix == "" {
			layout.Masked = def.Masked
		}
	}
	return &Locator{store: store, layout: layout, logf: log.Printf}
}

// Store returns the underlying blob store.
func (l *Locator) Store() BlobStore { return l.store }

// Layout returns the key layout in use.
func (l *Locator) Layout() KeyLayout { return l.layout }

func (l *Locator) keyDate(key string, pk ProductKeys) (time.Time, bool) {
	var s string
	if l.layout.DatePattern != nil {
		m := l.layout.DatePattern.FindStringSubmatch(key)
		if len(m) < 2 {
			return time.Time{}, false
		}
		s = m[1]
	} else {
		if len(key) < pk.DateOffset+8 {
			return time.Time{}, false
		}
		s = key[pk.DateOffset : pk.DateOffset+8]
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (l *Locator) list(ctx context.Context, pk ProductKeys) ([]DatedKey, error) {
	keys, err := l.store.List(ctx, pk.Prefix)
	if err != nil {
		return nil, err
	}
	out := make([]DatedKey, 0, len(keys))
	for _, k := range keys {
		if !common.HasAny(path.Base(k), pk.Markers...) {
			continue
		}
		d, ok := l.keyDate(k, pk)
		if !ok {
			l.logf("DEBUG: skipping %s: no date at offset %d", k, pk.DateOffset)
			continue
		}
		out = append(out, DatedKey{Key: k, Date: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Keys returns every dated key of product, oldest first.
func (l *Locator) Keys(ctx context.Context, product indices.Product) ([]DatedKey, error) {
	pk, ok := l.layout.Products[product]
	if !ok {
		return nil, fmt.Errorf("no key layout for %s", product)
	}
	return l.list(ctx, pk)
}

// Latest finds the newest date across EVI and surface temperature and the
// keys of every product acquired on that date.
func (l *Locator) Latest(ctx context.Context) (Scene, error) {
	found := make(map[indices.Product][]DatedKey)
	for _, p := range indices.Products {
		if _, ok := l.layout.Products[p]; !ok {
			continue
		}
		keys, err := l.Keys(ctx, p)
		if err != nil {
			return Scene{}, fmt.Errorf("list %s: %w", p, err)
		}
		found[p] = keys
	}

	var newest time.Time
	for _, p := range []indices.Product{indices.EVI, indices.ST} {
		for _, k := range found[p] {
			if k.Date.After(newest) {
				newest = k.Date
			}
		}
	}
	if newest.IsZero() {
		return Scene{}, ErrNoScene
	}

	scene := Scene{Date: newest, Keys: make(map[indices.Product]string)}
	for p, keys := range found {
		for _, k := range keys {
			if k.Date.Equal(newest) {
				scene.Keys[p] = k.Key
			}
		}
	}
	return scene, nil
}

// LastN returns the n newest keys of product, newest first.
func (l *Locator) LastN(ctx context.Context, product indices.Product, n int) ([]DatedKey, error) {
	keys, err := l.Keys(ctx, product)
	if err != nil {
		return nil, err
	}
	return newestFirst(keys, n), nil
}

// LastMasked returns the n newest field-masked keys, newest first.
func (l *Locator) LastMasked(ctx context.Context, n int) ([]DatedKey, error) {
	keys, err := l.list(ctx, l.layout.Masked)
	if err != nil {
		return nil, err
	}
	return newestFirst(keys, n), nil
}

func newestFirst(keys []DatedKey, n int) []DatedKey {
	out := make([]DatedKey, len(keys))
	for i, k := range keys {
		out[len(keys)-1-i] = k
	}
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// LoadCatalog fetches and decodes keys into a catalog. transform, when set,
// is applied to every decoded band (masking, calibration).
func (l *Locator) LoadCatalog(ctx context.Context, keys []DatedKey, transform func(*raster.Band) (*raster.Band, error)) (*temporal.Catalog, error) {
	cat := temporal.NewCatalog()
	for _, k := range keys {
		data, err := l.store.Get(ctx, k.Key)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", k.Key, err)
		}
		band, err := raster.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k.Key, err)
		}
		band = band.MaskNoData()
		if transform != nil {
			if band, err = transform(band); err != nil {
				return nil, fmt.Errorf("%s: %w", k.Key, err)
			}
		}
		cat.Insert(k.Date, band)
	}
	return cat, nil
}

// BandGroup is one scene's NIR, red and green band keys.
type BandGroup struct {
	NIR   string
	Red   string
	Green string
}

// GroupBandKeys pairs every key ending in the NIR band suffix with the red
// and green keys obtained by swapping the band id. Groups missing a band are
// skipped.
func GroupBandKeys(keys []string, nir, red, green string) []BandGroup {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	var groups []BandGroup
	for _, k := range keys {
		ext := path.Ext(k)
		if !strings.HasSuffix(strings.TrimSuffix(k, ext), nir) {
			continue
		}
		r := common.ReplaceLast(k, nir, red)
		g := common.ReplaceLast(k, nir, green)
		if set[r] && set[g] {
			groups = append(groups, BandGroup{NIR: k, Red: r, Green: g})
		}
	}
	return groups
}

// DerivedKey names the output of a derived product: the base name of src
// with marker replaced, under prefix.
func DerivedKey(src, marker, replacement, prefix string) string {
	return prefix + common.ReplaceLast(path.Base(src), marker, replacement)
}

// Catalog loads every dated object of product.
func (l *Locator) Catalog(ctx context.Context, product indices.Product, transform func(*raster.Band) (*raster.Band, error)) (*temporal.Catalog, error) {
	keys, err := l.Keys(ctx, product)
	if err != nil {
		return nil, err
	}
	return l.LoadCatalog(ctx, keys, transform)
}
