//go:build !protogen

package calendar

import "log/slog"

func NewProvider(_ *slog.Logger, _ string) (Provider, error) {
	return nil, nil
}
