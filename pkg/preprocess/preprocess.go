package preprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"strings"

	// registered image decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
)

// ErrInvalidInput is matched by every rejected payload.
var ErrInvalidInput = status.New(codes.InvalidArgument, "invalid input").Err()

const size = datamodel.ImageSize

var supportedMIME = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, a...))
}

// Preprocessor turns prediction payloads into the model input tensor: a
// row-major 28x28 slice scaled to [0,1].
type Preprocessor struct {
	invert bool
}

// New returns a preprocessor. With invert set every intensity v becomes
// 255-v before scaling, for ink-on-white sources.
func New(invert bool) *Preprocessor {
	return &Preprocessor{invert: invert}
}

// Tensor converts a request. A pixel grid takes precedence over image bytes.
func (p *Preprocessor) Tensor(req *datamodel.PredictionRequest) ([]float32, error) {
	switch {
	case req == nil:
		return nil, invalid("empty request")
	case req.Pixels != nil:
		return p.FromPixels(req.Pixels)
	case len(req.Image) > 0:
		return p.FromImage(req.Image)
	default:
		return nil, invalid("request carries neither pixels nor image")
	}
}

// FromPixels converts a 28x28 grid of raw intensities in [0,255]. Grids are
// never resized.
func (p *Preprocessor) FromPixels(grid [][]float32) ([]float32, error) {
	if len(grid) != size {
		return nil, invalid("grid has %d rows, want %d", len(grid), size)
	}
	out := make([]float32, 0, size*size)
	for y, row := range grid {
		if len(row) != size {
			return nil, invalid("grid row %d has %d columns, want %d", y, len(row), size)
		}
		for x, v := range row {
			if math.IsNaN(float64(v)) || v < 0 || v > 255 {
				return nil, invalid("grid value at (%d,%d) is %v, want [0,255]", y, x, v)
			}
			out = append(out, p.scale(v))
		}
	}
	return out, nil
}

// FromImage decodes an encoded image, converts it to grayscale and resizes
// it to 28x28 in a single bilinear step.
func (p *Preprocessor) FromImage(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, invalid("empty image")
	}
	mtype := mimetype.Detect(b)
	if !mimetype.EqualsAny(mtype.String(), supportedMIME...) {
		return nil, invalid("unsupported content type %s", mtype.String())
	}

	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, invalid("decode %s: %v", mtype.String(), err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, invalid("image has zero area")
	}

	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)

	if bounds.Dx() != size || bounds.Dy() != size {
		scaled := image.NewGray(image.Rect(0, 0, size, size))
		draw.BiLinear.Scale(scaled, scaled.Bounds(), gray, gray.Bounds(), draw.Src, nil)
		gray = scaled
	}

	out := make([]float32, 0, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			out = append(out, p.scale(float32(gray.GrayAt(x, y).Y)))
		}
	}
	return out, nil
}

func (p *Preprocessor) scale(v float32) float32 {
	if p.invert {
		v = 255 - v
	}
	return v / 255.0
}

// DecodeBase64 accepts a data URL (data:image/png;base64,...) or a bare
// base64 string in standard or URL encoding, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		meta, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, invalid("malformed data url")
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, invalid("data url is not base64 encoded")
		}
		s = payload
	}
	if s == "" {
		return nil, invalid("empty image")
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, invalid("image is not valid base64")
}
