/**
 * @description
 * Thin wrapper around stripe-go for reading connected accounts. Used by the
 * reconciliation sweep and the sync CLI to fetch the live capability flags of
 * an account when a webhook may have been missed.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v82: Official Stripe API bindings.
 */
package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

type accountGetter interface {
	GetByID(id string, params *stripe.AccountParams) (*stripe.Account, error)
}

// Client reads connected accounts from the Stripe API.
type Client struct {
	accounts accountGetter
}

// NewClient creates a new Stripe client authenticated with secretKey.
func NewClient(secretKey string) (*Client, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	api := client.New(secretKey, nil)
	return &Client{accounts: api.Accounts}, nil
}

// FetchAccount returns the live capability flags of a connected account.
// A missing or revoked account yields domain.ErrAccountNotFound.
func (c *Client) FetchAccount(ctx context.Context, externalAccountID string) (domain.AccountSnapshot, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	account, err := c.accounts.GetByID(externalAccountID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			if stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing {
				return domain.AccountSnapshot{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, externalAccountID)
			}
			if stripeErr.HTTPStatusCode == http.StatusForbidden || stripeErr.HTTPStatusCode == http.StatusUnauthorized {
				// The platform lost access, e.g. after the partner deauthorized it.
				return domain.AccountSnapshot{}, fmt.Errorf("%w: %s (%s)", domain.ErrAccountNotFound, externalAccountID, stripeErr.Msg)
			}
		}
		return domain.AccountSnapshot{}, fmt.Errorf("fetch stripe account %s: %w", externalAccountID, err)
	}
	if account == nil || account.ID == "" {
		return domain.AccountSnapshot{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, externalAccountID)
	}

	return domain.AccountSnapshot{
		ExternalAccountID: account.ID,
		ChargesEnabled:    account.ChargesEnabled,
		PayoutsEnabled:    account.PayoutsEnabled,
		DetailsSubmitted:  account.DetailsSubmitted,
	}, nil
}
