// Package logging constructs the process-wide structured logger.
package logging

import "go.uber.org/zap"

// New builds a *zap.Logger: a console encoder under development for
// readability, and the JSON production encoder otherwise so log shipping
// can parse fields directly.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
