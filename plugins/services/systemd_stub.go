//go:build !linux

package services

import (
	"context"
	"errors"

	"monhub/internal/registry"
)

var errUnsupported = errors.New("services: unsupported OS (linux only)")

func collectUnits(ctx context.Context, units []string) (registry.Payload, error) {
	return nil, errUnsupported
}
