package session

import (
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/metrics"
)

// LogObserver logs every published snapshot.
func LogObserver(logger *zap.Logger) Observer {
	return ObserverFunc(func(s State) {
		fields := []zap.Field{
			zap.String("phase", string(s.Phase)),
			zap.String("endpoint", s.EndpointName),
			zap.String("mode", string(s.TransportMode)),
			zap.String("mic", string(s.MicPermission)),
		}
		if s.ErrorMessage != nil {
			fields = append(fields, zap.String("error", *s.ErrorMessage))
		}
		logger.Info("call state", fields...)
	})
}

// MetricsObserver counts snapshots per phase.
func MetricsObserver() Observer {
	return ObserverFunc(func(s State) {
		metrics.PhaseTransitionsTotal.WithLabelValues(string(s.Phase)).Inc()
	})
}
