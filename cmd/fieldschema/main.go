// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command fieldschema runs and administers the custom field schema store.
//
// Usage:
//
//	fieldschema serve                 # HTTP API, file watcher, metrics
//	fieldschema bootstrap             # run startup recovery and exit
//	fieldschema show [KEY]            # list field kinds or print one config
//	fieldschema update FILE           # apply a schema XML document
//	fieldschema export [-o FILE]      # write the committed schema as XML
//
// Example requests against a running server:
//
//	curl http://localhost:8087/v1/ready
//	curl http://localhost:8087/v1/fields | jq
//	curl -X POST http://localhost:8087/v1/fields \
//	  -H "Content-Type: application/xml" --data-binary @fields.xml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
