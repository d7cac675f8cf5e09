// Package auditcontext carries the client details recorded next to audit
// entries.
package auditcontext

import (
	"context"
	"strings"
)

type requestInfoKey struct{}

type requestInfo struct {
	ip        string
	userAgent string
}

func WithRequestInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, requestInfo{
		ip:        strings.TrimSpace(ip),
		userAgent: strings.TrimSpace(userAgent),
	})
}

func IPAddressFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info.ip
}

func UserAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info.userAgent
}
