// Package webhooks authenticates and dispatches inbound webhook deliveries.
//
// Verify checks a Standard Webhooks style signature: base64 HMAC-SHA256 over
// "id.timestamp.body" with a base64 secret, compared in constant time.
//
// Processor runs each delivery through a claim lifecycle:
// processing -> processed|retry_ready|dead.
// A redelivery of a processed or dead id is acknowledged without running the
// handler again; an expired claim can be taken over.
package webhooks
