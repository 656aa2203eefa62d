// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package query

import "errors"

// errQueryNotFound is returned by every Engine operation keyed on a uuid
// that names no live Query; the dispatcher maps it to bridgeerr.QueryNotFound.
var errQueryNotFound = errors.New("query: not found")
