package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// noiseImage builds an image that compresses badly
func noiseImage(width, height int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func encodeJPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Normalizer", func() {
	var (
		normalizer  *Normalizer
		data        []byte
		contentType string
		out         []byte
		outType     string
	)

	BeforeEach(func() {
		normalizer = NewNormalizer()
	})

	JustBeforeEach(func() {
		out, outType = normalizer.Normalize(data, contentType)
	})

	When("the image is under budget", func() {
		BeforeEach(func() {
			data = encodePNG(noiseImage(64, 64, 1))
			contentType = "image/png"
		})

		It("should return the input unchanged", func() {
			Expect(out).To(Equal(data))
		})

		It("should keep the content type", func() {
			Expect(outType).To(Equal("image/png"))
		})
	})

	When("an oversized PNG is normalized", func() {
		var original []byte

		BeforeEach(func() {
			normalizer.Budget = 64 << 10
			data = encodePNG(noiseImage(400, 400, 2))
			original = bytes.Clone(data)
			contentType = "image/png"
		})

		It("should never grow the payload", func() {
			Expect(len(out)).To(BeNumerically("<=", len(data)))
		})

		It("should re-encode as JPEG", func() {
			Expect(outType).To(Equal("image/jpeg"))
			_, format, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("jpeg"))
		})

		It("should not mutate the input", func() {
			Expect(data).To(Equal(original))
		})
	})

	When("the image is larger than the maximum dimension", func() {
		BeforeEach(func() {
			normalizer.Budget = 1 << 10
			normalizer.MaxDimension = 100
			data = encodeJPEG(noiseImage(400, 200, 3), 100)
			contentType = "image/jpeg"
		})

		It("should cap the longest side and keep the aspect ratio", func() {
			img, _, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(100))
			Expect(img.Bounds().Dy()).To(Equal(50))
		})
	})

	When("the budget can never be met", func() {
		var originalSize int

		BeforeEach(func() {
			normalizer.Budget = 10
			normalizer.MaxAttempts = 3
			data = encodeJPEG(noiseImage(200, 200, 4), 100)
			contentType = "image/jpeg"
			originalSize = len(data)
		})

		It("should still terminate with a smaller payload", func() {
			Expect(len(out)).To(BeNumerically("<", originalSize))
			Expect(len(out)).To(BeNumerically(">", normalizer.Budget))
		})
	})

	When("the format is not supported", func() {
		BeforeEach(func() {
			normalizer.Budget = 4
			data = []byte("%PDF-1.4 not really an image")
			contentType = "application/pdf"
		})

		It("should pass the original bytes through", func() {
			Expect(out).To(Equal(data))
			Expect(outType).To(Equal("application/pdf"))
		})
	})

	When("the image cannot be decoded", func() {
		BeforeEach(func() {
			normalizer.Budget = 4
			data = []byte("definitely not a jpeg")
			contentType = "image/jpeg"
		})

		It("should fall back to the original bytes", func() {
			Expect(out).To(Equal(data))
			Expect(outType).To(Equal("image/jpeg"))
		})
	})
})

var _ = Describe("prepareImageData", func() {
	When("the format is accepted natively", func() {
		It("should not convert", func() {
			data := encodeJPEG(noiseImage(8, 8, 5), 90)
			out, mimeType, converted, err := prepareImageData(data, "image/JPG", geminiNativeTypes...)
			Expect(err).NotTo(HaveOccurred())
			Expect(converted).To(BeFalse())
			Expect(mimeType).To(Equal("image/jpeg"))
			Expect(out).To(Equal(data))
		})
	})

	When("the format is not accepted natively", func() {
		It("should convert to PNG", func() {
			data := encodeJPEG(noiseImage(8, 8, 6), 90)
			out, mimeType, converted, err := prepareImageData(data, "image/jpeg", "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(converted).To(BeTrue())
			Expect(mimeType).To(Equal("image/png"))
			_, format, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("the data cannot be decoded", func() {
		It("returns the error", func() {
			_, _, _, err := prepareImageData([]byte("nope"), "image/gif", "image/png")
			Expect(err).To(MatchError(ErrUnsupportedImage))
		})
	})
})
