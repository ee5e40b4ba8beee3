// Package arl is a client for the HTTP API exposed by an ARL scanning agent
// (a "beacon").
//
// # Overview
//
// Each Client targets one agent base URL and is stateless between calls:
// the caller passes the auth token on every authenticated request. Token
// ownership and refresh live in the agent package.
//
// # Response Envelope
//
// Every endpoint answers with a JSON envelope carrying a "code" field:
//
//	{"code": 200, "message": "success", "data": {...}, "items": [...]}
//
// Code 200 is success, 401 means the token has expired, and anything else is
// a rejection with an attached message.
//
// # Errors
//
// Failures are classified so callers can react with errors.Is / errors.As:
//
//   - *NetworkError: connection failure or timeout
//   - ErrAuthExpired: the agent reported code 401
//   - *RejectedError: any other non-200 code
//   - *MalformedResponseError: the payload did not have the expected shape
//
// # TLS
//
// Agents usually run with self-signed certificates. Certificate checks are
// relaxed with WithInsecureTLS; the default client verifies certificates.
package arl
