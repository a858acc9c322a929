package notify

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter routes watermill's internal logging through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &zerologAdapter{logger: logger}
}

func (z *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zerologAdapter{logger: z.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
