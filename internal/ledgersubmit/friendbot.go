package ledgersubmit

import (
	"context"
	"fmt"

	"github.com/stellar/go/clients/horizonclient"
)

// FriendbotFunder funds a fresh ephemeral address via Horizon's test-network
// Friendbot. It must never be wired on the production network; cmd/custodyd
// only constructs one when the configured network is a test network (the
// Design Note's open question 2: auto-fund on test networks is a
// deploy-time concern, not part of the core contract).
type FriendbotFunder struct {
	Client *horizonclient.Client
}

func (f *FriendbotFunder) Fund(ctx context.Context, address string) error {
	if f == nil || f.Client == nil {
		return fmt.Errorf("ledgersubmit: friendbot client not configured")
	}
	_, err := f.Client.Fund(address)
	if err != nil {
		return fmt.Errorf("ledgersubmit: friendbot funding failed: %w", err)
	}
	return nil
}

var _ Funder = (*FriendbotFunder)(nil)
