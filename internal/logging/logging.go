// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logging provides the component-tagged zap loggers used across
// the bridge, replacing the teacher's `log.Printf("[component] ...")`
// string-prefix convention with structured fields.
package logging

import "go.uber.org/zap"

// New builds a production JSON logger. Callers get a sub-logger per
// component via With("component", name) so every line identifies its
// origin the way the teacher's bracketed prefixes did.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewDevelopment builds a human-readable console logger for local runs.
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// Component returns a child logger tagged with the given component name.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}
