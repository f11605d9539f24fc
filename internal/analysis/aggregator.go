package analysis

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/retinalab/fundus_analyzer/internal/inference"
	"github.com/retinalab/fundus_analyzer/internal/record"
)

// overlayMediaType is what the inference service encodes its annotated
// images as.
const overlayMediaType = "image/png"

// aggregate turns a raw prediction into the result attached to a record. The
// overlay arrives base64-encoded; an undecodable overlay fails the whole
// prediction since a result without its image is useless to the reviewer.
func aggregate(p *inference.Prediction) (*record.Result, error) {
	overlay, err := base64.StdEncoding.DecodeString(p.Overlay)
	if err != nil {
		return nil, fmt.Errorf("failed to decode overlay: %w", err)
	}

	labels := make([]record.Label, len(p.DetectedLabels))
	for i, l := range p.DetectedLabels {
		labels[i] = record.Label{Class: l.Class, Percentage: l.Percentage}
	}

	return &record.Result{
		Overlay:          overlay,
		OverlayMediaType: overlayMediaType,
		DetectedLabels:   labels,
	}, nil
}

// failureReason maps a predict error to the message shown on the record.
func failureReason(err error) string {
	var svcErr *inference.ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.StatusCode > 0 {
			return fmt.Sprintf("analysis service returned HTTP %d", svcErr.StatusCode)
		}

		return "analysis service returned an unusable response"
	}

	var transportErr *inference.TransportError
	if errors.As(err, &transportErr) {
		return "could not reach the analysis service"
	}

	return err.Error()
}
