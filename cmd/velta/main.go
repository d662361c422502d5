package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/veltahq/velta/internal/apikey"
	"github.com/veltahq/velta/internal/catalog"
	"github.com/veltahq/velta/internal/clock"
	"github.com/veltahq/velta/internal/config"
	"github.com/veltahq/velta/internal/invoice"
	"github.com/veltahq/velta/internal/metrics"
	"github.com/veltahq/velta/internal/migration"
	"github.com/veltahq/velta/internal/notifier"
	"github.com/veltahq/velta/internal/observability"
	"github.com/veltahq/velta/internal/payment"
	"github.com/veltahq/velta/internal/redis"
	"github.com/veltahq/velta/internal/server"
	"github.com/veltahq/velta/internal/subscription"
	"github.com/veltahq/velta/internal/tax"
	"github.com/veltahq/velta/internal/tenant"
	"github.com/veltahq/velta/pkg/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "velta",
		Short:   "Velta subscription billing engine",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed the service catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runServe()
			return nil
		},
	}
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		tax.Module,
		metrics.Module,
		notifier.Module,
		tenant.Module,
		catalog.Module,
		apikey.Module,
		invoice.Module,
		payment.Module,
		subscription.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
