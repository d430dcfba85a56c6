// Package phash implements a block-average perceptual hash over screenshots.
package phash

import (
	"bytes"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/RoaringBitmap/roaring"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/stat"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
)

// Name is the registry name of the perceptual hash.
const Name = "perceptual"

// Hasher fingerprints a screenshot as GridSize*GridSize bits, one per block,
// set when the block is brighter than the mean block luminance.
type Hasher struct {
	GridSize  int
	Tolerance float64 // max fraction of differing bits still considered similar
}

// New creates a hasher. A grid below 2 or a non-positive tolerance falls back
// to the defaults; use the struct directly for exact matching.
func New(gridSize int, tolerance float64) *Hasher {
	if gridSize <= 1 {
		gridSize = internal.DefaultGridSize
	}
	if tolerance <= 0 {
		tolerance = internal.DefaultTolerance
	}
	return &Hasher{GridSize: gridSize, Tolerance: tolerance}
}

// Hash implements fingerprint.Algorithm.
func (h *Hasher) Hash(c fingerprint.Capture) (string, bool) {
	if len(c.Screenshot) == 0 {
		return "", false
	}

	img, err := imaging.Decode(bytes.NewReader(c.Screenshot))
	if err != nil {
		return "", false
	}
	img = normalizeOrientation(img, c.Screenshot)

	return h.HashImage(img)
}

// HashImage hashes an already decoded image.
func (h *Hasher) HashImage(img image.Image) (string, bool) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return "", false
	}

	n := h.GridSize
	grid := imaging.Resize(imaging.Grayscale(img), n, n, imaging.Box)

	lum := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			// Grayscale leaves R == G == B.
			lum[y*n+x] = float64(grid.Pix[y*grid.Stride+x*4])
		}
	}
	mean := stat.Mean(lum, nil)

	bits := make([]byte, (n*n+7)/8)
	for i, l := range lum {
		if l > mean {
			bits[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return hex.EncodeToString(bits), true
}

// Similar implements fingerprint.Algorithm.
func (h *Hasher) Similar(a, b string) bool {
	total := len(a) * 4
	if n := h.GridSize * h.GridSize; len(a) == (n+7)/8*2 {
		total = n
	}
	d, ok := distance(a, b, total)
	if !ok {
		return false
	}
	return d <= h.Tolerance
}

// Distance returns the normalized Hamming distance between two hashes.
// It reports false when the hashes are malformed or of different lengths.
func Distance(a, b string) (float64, bool) {
	return distance(a, b, len(a)*4)
}

func distance(a, b string, totalBits int) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 || totalBits <= 0 {
		return 0, false
	}
	ba, err := toBitmap(a)
	if err != nil {
		return 0, false
	}
	bb, err := toBitmap(b)
	if err != nil {
		return 0, false
	}

	return float64(roaring.Xor(ba, bb).GetCardinality()) / float64(totalBits), true
}

func toBitmap(s string) (*roaring.Bitmap, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	for i, by := range raw {
		for bit := 0; bit < 8; bit++ {
			if by&(1<<(7-uint(bit))) != 0 {
				bm.Add(uint32(i*8 + bit))
			}
		}
	}
	return bm, nil
}

var _ fingerprint.Algorithm = (*Hasher)(nil)
