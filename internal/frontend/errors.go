// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package frontend

import "errors"

// ErrSessionNotFound is returned by Registry methods that target a
// sessionID with no live FrontendSession.
var ErrSessionNotFound = errors.New("frontend: session not found")
