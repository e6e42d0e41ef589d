//go:build integration

package window

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"shiftgate/internal/ratelimit/ports"
	"shiftgate/pkg/testutil/containers"
)

func TestRedisStore(t *testing.T) {
	rc := containers.GetRedis(t)
	suite.Run(t, &WindowStoreContractSuite{
		newStore: func(t *testing.T) ports.WindowStore {
			if err := rc.FlushAll(context.Background()); err != nil {
				t.Fatalf("flush: %v", err)
			}
			return NewRedisStore(rc.Client)
		},
	})
}
