package inference

import (
	"context"

	"github.com/retinalab/fundus_analyzer/internal/telemetry"
)

// InstrumentedService wraps a Service with telemetry.
type InstrumentedService struct {
	service   Service
	telemetry *telemetry.Telemetry
}

// NewInstrumentedService creates a new instrumented inference service.
func NewInstrumentedService(service Service, tel *telemetry.Telemetry) *InstrumentedService {
	return &InstrumentedService{
		service:   service,
		telemetry: tel,
	}
}

// Predict submits one image for analysis with telemetry.
func (s *InstrumentedService) Predict(ctx context.Context, name string, payload []byte) (*Prediction, error) {
	var result *Prediction

	var err error

	instrumentedErr := s.telemetry.InstrumentClientOperation(ctx, "inference", "predict", func(ctx context.Context) error {
		result, err = s.service.Predict(ctx, name, payload)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
