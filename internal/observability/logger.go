package observability

import (
	"go.uber.org/zap"
)

// NewLogger returns a production JSON logger, or a human-readable one for
// local development.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
