// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
Package api defines the request and response types of the OpsFlow HTTP API.

The handlers subpackage implements the endpoints; this package holds the
wire-level DTOs so clients can import them without pulling in handler
dependencies.
*/
package api
