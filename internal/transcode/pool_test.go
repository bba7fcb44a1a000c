package transcode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncode_PNGToJPEG(t *testing.T) {
	t.Parallel()

	p := NewPool(2, 80)
	defer p.Close()

	res, err := p.Encode(context.Background(), pngFixture(t))
	require.NoError(t, err)
	require.Equal(t, "jpg", res.Ext)
	require.Equal(t, "image/jpeg", res.ContentType)

	decoded, err := jpeg.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 8, 8), decoded.Bounds())
}

func TestEncode_GarbageFails(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 80)
	defer p.Close()

	_, err := p.Encode(context.Background(), []byte("definitely not an image"))
	require.Error(t, err)
}

func TestEncode_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	p := NewPool(2, 70)
	defer p.Close()

	fixture := pngFixture(t)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Encode(context.Background(), fixture)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestEncode_CanceledContext(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 80)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Encode(ctx, pngFixture(t))
	require.Error(t, err)
}

func TestEncode_AfterCloseRefuses(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 80)
	p.Close()

	_, err := p.Encode(context.Background(), pngFixture(t))
	require.ErrorIs(t, err, ErrClosed)

	// Close stays idempotent alongside the refusal.
	p.Close()
	_, err = p.Encode(context.Background(), pngFixture(t))
	require.ErrorIs(t, err, ErrClosed)
}
