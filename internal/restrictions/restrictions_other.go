//go:build !linux && !darwin && !windows

package restrictions

import (
	"context"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/runner"
)

type unsupported struct{}

func (unsupported) Apply(context.Context, Settings) error { return ErrUnsupported }

func NewPlatform(runner.Runner, *zap.Logger) Restrictor { return unsupported{} }
