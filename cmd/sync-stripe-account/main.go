// Command sync-stripe-account re-reads one connected account from Stripe and
// projects it onto the partner record, using the same path as the webhook.
//
//	go run ./cmd/sync-stripe-account acct_1Pq2...
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kilolab/partner-payments-service/internal/app"
	"github.com/kilolab/partner-payments-service/internal/config"
	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/kilolab/partner-payments-service/internal/store"
	"github.com/kilolab/partner-payments-service/pkg/stripeclient"
	"github.com/stripe/stripe-go/v82"
)

// syncVerifier rejects every payload; the CLI never handles raw webhooks.
type syncVerifier struct{}

func (syncVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	return stripe.Event{}, domain.ErrInvalidSignature
}

func main() {
	if len(os.Args) != 2 || !strings.HasPrefix(strings.TrimSpace(os.Args[1]), "acct_") {
		fmt.Fprintln(os.Stderr, "usage: sync-stripe-account <acct_id>")
		os.Exit(2)
	}
	accountID := strings.TrimSpace(os.Args[1])

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if cfg.DatabaseURL == "" || strings.TrimSpace(cfg.StripeSecretKey) == "" {
		log.Fatal("DATABASE_URL and STRIPE_SECRET_KEY must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dbpool, err := store.NewPool(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbpool.Close()

	stripeClient, err := stripeclient.NewClient(cfg.StripeSecretKey)
	if err != nil {
		log.Fatalf("stripe client: %v", err)
	}

	repo := store.NewPostgresRepository(dbpool)
	syncService := app.NewSyncService(repo, syncVerifier{}, cfg.EventsExchange)
	reconciler := app.NewReconciler(stripeClient, syncService, repo, cfg.ReconcileStaleAfter(), 1)

	outcome, err := reconciler.ReconcileAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			log.Fatalf("account %s does not exist on Stripe or is no longer connected", accountID)
		}
		log.Fatalf("sync failed for %s: %v", accountID, err)
	}

	record, err := repo.GetPartnerAccountByExternalID(ctx, accountID)
	if err != nil {
		log.Fatalf("reload %s: %v", accountID, err)
	}

	fmt.Printf("account:             %s\n", accountID)
	fmt.Printf("outcome:             %s\n", outcome)
	if record == nil {
		fmt.Println("partner record:      none (account is not linked to a partner)")
		return
	}
	fmt.Printf("partner:             %s\n", record.PartnerID)
	fmt.Printf("charges_enabled:     %t\n", record.ChargesEnabled)
	fmt.Printf("payouts_enabled:     %t\n", record.PayoutsEnabled)
	fmt.Printf("details_submitted:   %t\n", record.DetailsSubmitted)
	fmt.Printf("onboarding_complete: %t\n", record.OnboardingComplete)
}
