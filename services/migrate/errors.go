// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import "errors"

// Sentinel errors for the migration service.
var (
	// ErrServiceClosed is returned by operations on a closed service.
	ErrServiceClosed = errors.New("migration service is closed")

	// ErrNoGateway indicates the service was built without remote
	// credentials and cannot reach the platform.
	ErrNoGateway = errors.New("no API gateway configured")
)
