package api

import "context"

type locationKey struct{}

// WithLocation は呼び出し元の現在位置（Webシェルではリクエストパス）をコンテキストに設定する。
// 401時のリダイレクト先に from として付与される。
func WithLocation(ctx context.Context, location string) context.Context {
	return context.WithValue(ctx, locationKey{}, location)
}

// LocationFrom はコンテキストに設定された現在位置を返す。
func LocationFrom(ctx context.Context) string {
	loc, _ := ctx.Value(locationKey{}).(string)
	return loc
}
