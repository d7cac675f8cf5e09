package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var forbiddenAttributeKeys = map[attribute.Key]struct{}{
	"credentials":   {},
	"password":      {},
	"authorization": {},
	"user_id":       {},
}

// SafeAttributes drops attributes that could leak account credentials or
// subscriber identity into trace backends.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, forbidden := forbiddenAttributeKeys[attr.Key]; forbidden {
			continue
		}
		if strings.Contains(strings.ToLower(string(attr.Key)), "secret") {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error carrying only the message, truncated, so no
// wrapped driver payload ends up on spans.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return errors.New(msg)
}
