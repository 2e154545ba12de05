package termhost

import (
	"context"

	"go.uber.org/zap"

	"reviewgate/pkg/config"
)

// watchConfig calls cb whenever the file at path changes. A blank path or
// a watch that cannot start yields a no-op stop function.
func watchConfig(path string, cb func(), log *zap.Logger) func() {
	if path == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	err := config.Watch(ctx, path, func(_ *config.Config, err error) {
		if err != nil {
			log.Debug("config changed but does not load", zap.Error(err))
		}
		// The callback reloads on its own and reports errors to the user.
		cb()
	})
	if err != nil {
		log.Warn("watch config", zap.String("path", path), zap.Error(err))
		cancel()
		return func() {}
	}
	return cancel
}
