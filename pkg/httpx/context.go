package httpx

import "context"

type ctxKey string

const ctxKeySubject ctxKey = "subject"

// ContextWithSubject records the verified subject for downstream handlers
// and extractors.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// SubjectFromContext returns the verified subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKeySubject).(string)
	return s, ok && s != ""
}
