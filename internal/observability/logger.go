package observability

import (
	"github.com/danmuck/callbridge/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process logger and returns a child tagged with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return log.Logger.With().Str("app", app).Logger()
}
