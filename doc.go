// Package apiclient is a client engine for JSON over HTTP APIs that
// throttle with 429 responses, stream results as server-sent events and
// notify through signed webhooks.
//
// New resolves configuration and observability once; Call, Stream and
// StreamEvents share the same retrying executor, and WebhookEndpoint serves
// verified, deduplicated deliveries.
package apiclient
