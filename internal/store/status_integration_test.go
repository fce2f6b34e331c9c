// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/keystone-run/keystone/internal/store"
)

// startPostgres starts a PostgreSQL container and returns its connection
// string.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("keystone_test"),
		postgres.WithUsername("keystone"),
		postgres.WithPassword("keystone"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return "", nil, err
	}
	terminate := func() { _ = container.Terminate(ctx) }

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return "", nil, err
	}
	return connStr, terminate, nil
}

// setupPostgresContainer starts PostgreSQL, applies the migrations and
// returns a connected status store.
func setupPostgresContainer() (*store.PostgresStatusStore, func(), error) {
	ctx := context.Background()

	connStr, terminate, err := startPostgres(ctx)
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		terminate()
		return nil, nil, err
	}
	_ = migrator.Close()

	statusStore, err := store.NewPostgresStatusStore(ctx, connStr)
	if err != nil {
		terminate()
		return nil, nil, err
	}

	cleanup := func() {
		statusStore.Close()
		terminate()
	}
	return statusStore, cleanup, nil
}

var _ = Describe("PostgresStatusStore", func() {
	var (
		ctx     context.Context
		s       *store.PostgresStatusStore
		cleanup func()
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		s, cleanup, err = setupPostgresContainer()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	It("treats unknown plugins as enabled", func() {
		disabled, err := s.IsDisabled(ctx, "greeter")
		Expect(err).NotTo(HaveOccurred())
		Expect(disabled).To(BeFalse())
	})

	It("round-trips disable and enable", func() {
		Expect(s.Disable(ctx, "greeter")).To(Succeed())
		Expect(s.IsDisabled(ctx, "greeter")).To(BeTrue())

		Expect(s.Enable(ctx, "greeter")).To(Succeed())
		Expect(s.IsDisabled(ctx, "greeter")).To(BeFalse())
	})

	It("disables everything off an active allow-list", func() {
		Expect(s.Allow(ctx, "greeter")).To(Succeed())

		Expect(s.IsDisabled(ctx, "greeter")).To(BeFalse())
		Expect(s.IsDisabled(ctx, "welcome")).To(BeTrue())

		By("enabling joins the allow-list")
		Expect(s.Enable(ctx, "welcome")).To(Succeed())
		Expect(s.IsDisabled(ctx, "welcome")).To(BeFalse())

		By("disabling leaves it")
		Expect(s.Disable(ctx, "welcome")).To(Succeed())
		Expect(s.IsDisabled(ctx, "welcome")).To(BeTrue())
		Expect(s.IsDisabled(ctx, "greeter")).To(BeFalse())
	})
})
