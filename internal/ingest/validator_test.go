package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/retinalab/fundus_analyzer/internal/record"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func TestIngestAcceptsImagesInOrder(t *testing.T) {
	v := NewValidator(0, 0)
	store := record.NewStore()

	inputs := []Input{
		{Name: "left.png", MediaType: "image/png", Data: pngBytes(t, 8, 8)},
		{Name: "right.png", MediaType: "image/png", Data: pngBytes(t, 16, 8)},
		{Name: "middle.png", MediaType: "image/png", Data: pngBytes(t, 4, 4)},
	}

	report := v.Ingest(context.Background(), store, inputs)

	require.Len(t, report.Accepted, 3)
	require.Empty(t, report.Rejected)
	require.Empty(t, report.Notice())

	listed := store.List()
	require.Len(t, listed, 3)
	require.Equal(t, "left.png", listed[0].Name)
	require.Equal(t, "right.png", listed[1].Name)
	require.Equal(t, "middle.png", listed[2].Name)

	for _, rec := range listed {
		require.Equal(t, record.StatusPending, rec.Status)
		require.NotEmpty(t, rec.Preview)
		require.Nil(t, rec.Result)
	}
}

func TestIngestRejectsNonImages(t *testing.T) {
	v := NewValidator(0, 0)
	store := record.NewStore()

	inputs := []Input{
		{Name: "left.png", MediaType: "image/png", Data: pngBytes(t, 8, 8)},
		{Name: "notes.txt", MediaType: "text/plain", Data: []byte("not an image")},
		{Name: "right.png", MediaType: "image/png", Data: pngBytes(t, 8, 8)},
	}

	report := v.Ingest(context.Background(), store, inputs)

	require.Len(t, report.Accepted, 2)
	require.Len(t, report.Rejected, 1)
	require.Equal(t, "notes.txt", report.Rejected[0].Name)
	require.NotEmpty(t, report.Notice())

	require.Equal(t, 2, store.Len())
}

func TestIngestRejectsOversizedFile(t *testing.T) {
	v := NewValidator(64, 0)
	store := record.NewStore()

	report := v.Ingest(context.Background(), store, []Input{
		{Name: "huge.png", MediaType: "image/png", Data: pngBytes(t, 32, 32)},
	})

	require.Empty(t, report.Accepted)
	require.Len(t, report.Rejected, 1)
	require.Contains(t, report.Rejected[0].Reason, "limit")
	require.Zero(t, store.Len())
}

func TestIngestExcludesUndecodableImage(t *testing.T) {
	v := NewValidator(0, 0)
	store := record.NewStore()

	inputs := []Input{
		{Name: "good.png", MediaType: "image/png", Data: pngBytes(t, 8, 8)},
		{Name: "broken.png", MediaType: "image/png", Data: []byte("definitely not a png")},
	}

	report := v.Ingest(context.Background(), store, inputs)

	require.Len(t, report.Accepted, 1)
	require.Equal(t, "good.png", report.Accepted[0].Name)
	require.Len(t, report.Rejected, 1)
	require.Equal(t, "broken.png", report.Rejected[0].Name)
	require.Equal(t, 1, store.Len())
}

func TestIngestSniffsMissingMediaType(t *testing.T) {
	v := NewValidator(0, 0)
	store := record.NewStore()

	report := v.Ingest(context.Background(), store, []Input{
		{Name: "dropped", Data: pngBytes(t, 8, 8)},
	})

	require.Len(t, report.Accepted, 1)
	require.Equal(t, "image/png", report.Accepted[0].MediaType)
}

func TestIngestScalesLargePreviews(t *testing.T) {
	v := NewValidator(0, 16)
	store := record.NewStore()

	report := v.Ingest(context.Background(), store, []Input{
		{Name: "wide.png", MediaType: "image/png", Data: pngBytes(t, 64, 32)},
	})

	require.Len(t, report.Accepted, 1)

	img, _, err := image.Decode(bytes.NewReader(report.Accepted[0].Preview))
	require.NoError(t, err)
	require.Equal(t, 16, img.Bounds().Dx())
	require.Equal(t, 8, img.Bounds().Dy())
}

func TestNoticeListsMultipleRejections(t *testing.T) {
	report := &Report{Rejected: []Rejection{
		{Name: "a.txt", Reason: "not an image file"},
		{Name: "b.pdf", Reason: "not an image file"},
	}}

	notice := report.Notice()
	require.Contains(t, notice, "2 files")
	require.Contains(t, notice, "a.txt")
	require.Contains(t, notice, "b.pdf")
}
