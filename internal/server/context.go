package server

import "context"

func withAuth(ctx context.Context, a *authContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func authFrom(ctx context.Context) *authContext {
	a, _ := ctx.Value(ctxKey{}).(*authContext)
	return a
}
