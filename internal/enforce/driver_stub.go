//go:build !linux
// +build !linux

package enforce

import (
	"context"
	"fmt"
	"runtime"

	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/policy"
)

// ErrNotSupported is returned when enforcement operations are attempted on
// non-Linux systems.
var ErrNotSupported = fmt.Errorf("nftables enforcement not supported on %s", runtime.GOOS)

// NFTDriver is a stub for non-Linux builds.
type NFTDriver struct{}

// NewNFTDriver returns an error on non-Linux systems.
func NewNFTDriver(tableName string, log *logging.Logger) (*NFTDriver, error) {
	return nil, ErrNotSupported
}

func (d *NFTDriver) CreateFilter(ctx context.Context, name, description, chain string, kind policy.FilterKind) (string, error) {
	return "", ErrNotSupported
}

func (d *NFTDriver) CreateRule(ctx context.Context, filterUUID string, r policy.Rule) (string, error) {
	return "", ErrNotSupported
}

func (d *NFTDriver) DeleteRule(ctx context.Context, filterUUID, ruleID string) error {
	return ErrNotSupported
}

func (d *NFTDriver) Flush(ctx context.Context, filterUUID string, rules []policy.Rule) error {
	return ErrNotSupported
}
