package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/crewdeskhq/crewdesk/internal/pkg/billing"
	"github.com/crewdeskhq/crewdesk/internal/pkg/database"
	"github.com/crewdeskhq/crewdesk/internal/pkg/env"
)

// check-expired-trials downgrades users whose trial has ended, unless they
// converted to a paid subscription in the meantime.
func main() {
	dryRun := flag.Bool("dry-run", false, "log intended changes without writing")
	userID := flag.Uint("user", 0, "restrict the sweep to a single user id")
	flag.Parse()

	env.SetupEnvFile()
	database.SetupDatabase()

	cfg := billing.ConfigFromEnv()
	services := billing.NewServicesFromDB(database.GetDB(), billing.NewStripeGatewayFromEnv(), cfg)

	if *userID != 0 {
		if _, err := services.Repo.GetUserByID(*userID); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --user %d: %v\n", *userID, err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Hour)
	defer cancel()

	result, err := services.Trials.DowngradeExpiredTrials(ctx, time.Now(), *dryRun, *userID)
	if err != nil {
		log.Errorf("[CheckExpiredTrials] aborted: %v", err)
		os.Exit(1)
	}

	fmt.Printf("downgraded=%d premium_retained=%d skipped=%d errors=%d dry_run=%t\n",
		result.Downgraded, result.PremiumRetained, result.Skipped, result.Errors, *dryRun)
}
