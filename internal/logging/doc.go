// Package logging provides structured logging for plsd on top of zap.
//
// Logger adds context-aware methods that inject correlation fields
// (trace_id, conversation.id, request.id) into every entry. The stdout core
// redacts secrets and customer identifiers; an optional OpenTelemetry core is
// attached through the otelzap bridge. Below-error entries are sampled per
// level, errors never are.
//
// Components that only need a *zap.Logger take one directly; Underlying
// returns it.
//
// Raw customer text is never logged. Use pattern.MessageHash:
//
//	logger.Warn(ctx, "semantic stage degraded",
//	    zap.String("message_hash", pattern.MessageHash(text)))
//
// Tests use NewTestLogger and its assertion helpers.
package logging
