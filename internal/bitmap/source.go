package bitmap

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
)

// Load decodes a PNG, JPEG, GIF or BMP file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("format", format).
		Int("width", img.Bounds().Dx()).Int("height", img.Bounds().Dy()).
		Msg("loaded image")
	return img, nil
}

// LoadPDF rasterises the first page of a PDF with pdftoppm at the given DPI.
func LoadPDF(pdfPath string, dpi int) (image.Image, error) {
	tmpDir, err := os.MkdirTemp("", "print_label")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")
	cmd := exec.Command("pdftoppm", "-png", "-singlefile", "-f", "1", "-l", "1",
		"-r", fmt.Sprint(dpi), pdfPath, outputPrefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w, stderr: %s", err, stderr.String())
	}

	f, err := os.Open(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("open rendered page: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode rendered page: %w", err)
	}
	return img, nil
}

// rotate90 rotates the image 90 degrees clockwise.
func rotate90(img image.Image) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, height, width))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Set(height-1-y, x, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return out
}

// Fit places img on a white width x height canvas: rotated clockwise by
// rotate degrees (0, 90, 180 or 270), scaled down or up to fit while keeping
// its aspect ratio, and centred. An image already of the target size is
// copied unscaled.
func Fit(img image.Image, width, height, rotate int) *image.NRGBA {
	for r := ((rotate % 360) + 360) % 360; r >= 90; r -= 90 {
		img = rotate90(img)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	src := img.Bounds()
	if src.Dx() == width && src.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Over)
		return dst
	}

	scale := float64(width) / float64(src.Dx())
	if s := float64(height) / float64(src.Dy()); s < scale {
		scale = s
	}
	dstW := int(float64(src.Dx()) * scale)
	dstH := int(float64(src.Dy()) * scale)
	offX := (width - dstW) / 2
	offY := (height - dstH) / 2
	target := image.Rect(offX, offY, offX+dstW, offY+dstH)

	log.Debug().Int("srcW", src.Dx()).Int("srcH", src.Dy()).
		Int("dstW", dstW).Int("dstH", dstH).Msg("scaling image to label")
	xdraw.ApproxBiLinear.Scale(dst, target, img, src, draw.Over, nil)
	return dst
}

// Dither converts img to pure black and white with Floyd-Steinberg error
// diffusion. Brightness is the channel mean, as in Encode, so the result
// encodes without further loss.
func Dither(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	vals := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			vals[y*w+x] = (int(c.R) + int(c.G) + int(c.B)) / 3
		}
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			old := vals[y*w+x]
			v := 255
			if old < Threshold {
				v = 0
			}
			out.Pix[y*out.Stride+x] = uint8(v)
			e := old - v
			if x+1 < w {
				vals[y*w+x+1] += e * 7 / 16
			}
			if y+1 < h {
				if x > 0 {
					vals[(y+1)*w+x-1] += e * 3 / 16
				}
				vals[(y+1)*w+x] += e * 5 / 16
				if x+1 < w {
					vals[(y+1)*w+x+1] += e / 16
				}
			}
		}
	}
	return out
}
