package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"github.com/retinalab/fundus_analyzer/internal/record"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxFileSize matches the 10MB per-file contract of the upload UI.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// DefaultPreviewMaxDim bounds the longest edge of a generated preview.
	DefaultPreviewMaxDim = 512
)

// Input is one raw file handle from a picker selection or a drop event.
type Input struct {
	Name      string
	MediaType string
	Data      []byte
}

// Rejection records one file that did not make it into the store.
type Rejection struct {
	Name   string
	Reason string
}

// Report summarizes an ingest call: the records created, in input order, and
// everything that was dropped. Rejections never surface as errors; they fold
// into a single user-facing notice.
type Report struct {
	Accepted []record.FileRecord
	Rejected []Rejection
}

// Notice returns the single user-facing message for rejected inputs, or ""
// when everything was accepted.
func (r *Report) Notice() string {
	switch len(r.Rejected) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s was not added: %s", r.Rejected[0].Name, r.Rejected[0].Reason)
	default:
		names := make([]string, len(r.Rejected))
		for i, rej := range r.Rejected {
			names[i] = rej.Name
		}

		return fmt.Sprintf("%d files were not added (%s); please select valid image files", len(r.Rejected), strings.Join(names, ", "))
	}
}

// Validator filters raw files down to decodable images and turns each into a
// pending store record with a preview.
type Validator struct {
	maxFileSize   int64
	previewMaxDim int
}

func NewValidator(maxFileSize int64, previewMaxDim int) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	if previewMaxDim <= 0 {
		previewMaxDim = DefaultPreviewMaxDim
	}

	return &Validator{maxFileSize: maxFileSize, previewMaxDim: previewMaxDim}
}

// Ingest validates the inputs and appends one record per accepted file to the
// store, in input order. Previews decode concurrently, but records only
// append after every decode settled, so append order always matches input
// order. The only side effect is store mutation; no network calls happen here.
func (v *Validator) Ingest(ctx context.Context, store *record.Store, inputs []Input) *Report {
	logger := logctx.LoggerFromContext(ctx)
	report := &Report{}

	accepted := make([]Input, 0, len(inputs))

	for _, in := range inputs {
		if err := v.validate(in); err != nil {
			logger.DebugContext(ctx, "rejected file", "file_name", in.Name, "err", err)
			report.Rejected = append(report.Rejected, Rejection{Name: in.Name, Reason: err.Reason})

			continue
		}

		accepted = append(accepted, in)
	}

	previews := make([][]byte, len(accepted))
	previewTypes := make([]string, len(accepted))
	decodeErrs := make([]error, len(accepted))

	var wg errgroup.Group

	for i := range accepted {
		wg.Go(func() error {
			preview, mediaType, err := v.decodePreview(accepted[i])
			if err != nil {
				// A failed decode excludes this file only; siblings keep going.
				decodeErrs[i] = err

				return nil
			}

			previews[i] = preview
			previewTypes[i] = mediaType

			return nil
		})
	}

	_ = wg.Wait()

	for i, in := range accepted {
		if decodeErrs[i] != nil {
			logger.WarnContext(ctx, "preview decode failed", "file_name", in.Name, "err", decodeErrs[i])
			report.Rejected = append(report.Rejected, Rejection{Name: in.Name, Reason: "image could not be decoded"})

			continue
		}

		rec := record.New(in.Name, v.mediaType(in), in.Data, previews[i], previewTypes[i])
		if err := store.Add(rec); err != nil {
			logger.ErrorContext(ctx, "failed to add record", "file_name", in.Name, "err", err)
			report.Rejected = append(report.Rejected, Rejection{Name: in.Name, Reason: "internal error"})

			continue
		}

		logger.InfoContext(ctx, "file ingested",
			"record_id", rec.ID,
			"file_name", rec.Name,
			"file_size", humanize.Bytes(uint64(rec.Size)),
		)

		report.Accepted = append(report.Accepted, *rec)
	}

	return report
}

func (v *Validator) validate(in Input) *ValidationError {
	if !strings.HasPrefix(v.mediaType(in), "image/") {
		return &ValidationError{Filename: in.Name, Reason: "not an image file"}
	}

	if int64(len(in.Data)) > v.maxFileSize {
		return &ValidationError{
			Filename: in.Name,
			Reason:   fmt.Sprintf("exceeds the %s limit", humanize.Bytes(uint64(v.maxFileSize))),
		}
	}

	return nil
}

// mediaType returns the declared media type, sniffing the payload when the
// handle carries none (drop events often omit it).
func (v *Validator) mediaType(in Input) string {
	if in.MediaType != "" {
		return in.MediaType
	}

	return http.DetectContentType(in.Data)
}

// decodePreview produces the displayable representation stored alongside the
// original. It is computed once at ingestion and never recomputed.
func (v *Validator) decodePreview(in Input) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return nil, "", &DecodeError{Filename: in.Name, Err: err}
	}

	img = v.scale(img)

	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", &DecodeError{Filename: in.Name, Err: err}
		}

		return buf.Bytes(), "image/jpeg", nil
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", &DecodeError{Filename: in.Name, Err: err}
		}

		return buf.Bytes(), "image/png", nil
	}
}

// scale downsizes an image so its longest edge fits previewMaxDim, keeping
// the aspect ratio. Smaller images pass through untouched.
func (v *Validator) scale(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w <= v.previewMaxDim && h <= v.previewMaxDim {
		return img
	}

	if w >= h {
		h = h * v.previewMaxDim / w
		w = v.previewMaxDim
	} else {
		w = w * v.previewMaxDim / h
		h = v.previewMaxDim
	}

	if w < 1 {
		w = 1
	}

	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	return dst
}
