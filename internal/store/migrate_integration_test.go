// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

//go:build integration

package store_test

import (
	"context"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/keystone-run/keystone/internal/store"
)

var _ = Describe("Migrator", func() {
	var (
		ctx       context.Context
		connStr   string
		terminate func()
		migrator  *store.Migrator
		conn      *pgx.Conn
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		connStr, terminate, err = startPostgres(ctx)
		Expect(err).NotTo(HaveOccurred())

		migrator, err = store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		conn, err = pgx.Connect(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if conn != nil {
			_ = conn.Close(ctx)
		}
		if migrator != nil {
			_ = migrator.Close()
		}
		if terminate != nil {
			terminate()
		}
	})

	hasColumn := func(column string) bool {
		var n int
		Expect(conn.QueryRow(ctx, `SELECT count(*) FROM information_schema.columns
WHERE table_name = 'plugin_status' AND column_name = $1`, column).Scan(&n)).To(Succeed())
		return n == 1
	}

	hasTable := func() bool {
		var exists bool
		Expect(conn.QueryRow(ctx, `SELECT to_regclass('plugin_status') IS NOT NULL`).Scan(&exists)).To(Succeed())
		return exists
	}

	statusStore := func() *store.PostgresStatusStore {
		s, err := store.NewPostgresStatusStore(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Close)
		return s
	}

	It("creates the plugin status table with allow-list support", func() {
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(dirty).To(BeFalse())
		Expect(migrator.PendingMigrations()).To(Equal([]uint{1, 2}))
		Expect(hasTable()).To(BeFalse())

		Expect(migrator.Up()).To(Succeed())

		version, dirty, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
		Expect(dirty).To(BeFalse())
		Expect(migrator.PendingMigrations()).To(BeEmpty())
		Expect(hasColumn("disabled")).To(BeTrue())
		Expect(hasColumn("enabled")).To(BeTrue())
	})

	It("keeps deny-list decisions across an allow-list rollback", func() {
		Expect(migrator.Up()).To(Succeed())
		s := statusStore()
		Expect(s.Disable(ctx, "greeter")).To(Succeed())
		Expect(s.Allow(ctx, "welcome")).To(Succeed())
		Expect(s.IsDisabled(ctx, "audit")).To(BeTrue(), "allow-list is active")

		Expect(migrator.Steps(-1)).To(Succeed())
		Expect(hasColumn("enabled")).To(BeFalse())
		var disabled bool
		Expect(conn.QueryRow(ctx, `SELECT disabled FROM plugin_status WHERE plugin_id = 'greeter'`).Scan(&disabled)).To(Succeed())
		Expect(disabled).To(BeTrue())

		By("re-applying the allow-list migration starts with no allow-list")
		Expect(migrator.Steps(1)).To(Succeed())
		s = statusStore()
		Expect(s.IsDisabled(ctx, "greeter")).To(BeTrue())
		Expect(s.IsDisabled(ctx, "welcome")).To(BeFalse())
		Expect(s.IsDisabled(ctx, "audit")).To(BeFalse())
	})

	It("drops the table on a full rollback", func() {
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Down()).To(Succeed())

		version, _, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(hasTable()).To(BeFalse())
	})

	It("forces a version without touching the schema", func() {
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Force(1)).To(Succeed())

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(1)))
		Expect(dirty).To(BeFalse())
		Expect(hasColumn("enabled")).To(BeTrue())
		Expect(migrator.PendingMigrations()).To(Equal([]uint{2}))
	})
})
