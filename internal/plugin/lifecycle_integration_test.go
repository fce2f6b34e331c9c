// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	plugins "github.com/keystone-run/keystone/internal/plugin"
	"github.com/keystone-run/keystone/internal/plugin/repository"
	"github.com/keystone-run/keystone/internal/plugin/status"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type journaledPlugin struct {
	id string
	j  *journal
}

func (p *journaledPlugin) Start(context.Context) error  { p.j.add(p.id + ".start"); return nil }
func (p *journaledPlugin) Stop(context.Context) error   { p.j.add(p.id + ".stop"); return nil }
func (p *journaledPlugin) Delete(context.Context) error { p.j.add(p.id + ".delete"); return nil }

func writePackage(root, id, descriptor string) string {
	dir := filepath.Join(root, id)
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(descriptor), 0o600)).To(Succeed())
	return dir
}

func stateOf(mgr *plugins.Manager, id string) pluginpkg.State {
	st, _ := mgr.State(id)
	return st
}

var _ = Describe("Manager over a plugin directory", func() {
	var (
		ctx       context.Context
		root      string
		statusDir string
		j         *journal
		catalog   *pluginpkg.Catalog
		mgr       *plugins.Manager
	)

	register := func(id string) {
		Expect(catalog.Register(id, func(t *pluginpkg.SymbolTable) error {
			return t.Define(pluginpkg.CodeUnit{
				Name: id + ".Plugin",
				New: func(pluginpkg.Context) (any, error) {
					return &journaledPlugin{id: id, j: j}, nil
				},
			})
		})).To(Succeed())
	}

	newManager := func() *plugins.Manager {
		repo, err := repository.NewDir(root, repository.WithRequiredFile("plugin.yaml"))
		Expect(err).NotTo(HaveOccurred())
		store, err := status.NewFileStore(statusDir)
		Expect(err).NotTo(HaveOccurred())
		return plugins.NewManager(
			plugins.WithRepository(repo),
			plugins.WithLoader(plugins.NewCatalogLoader(catalog)),
			plugins.WithStatusStore(store),
			plugins.WithSystemVersion("1.4.0"),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		statusDir = GinkgoT().TempDir()
		j = &journal{}
		catalog = pluginpkg.NewCatalog()

		writePackage(root, "welcome", "id: welcome\nversion: 1.1.0\nentry-point: welcome.Plugin\n")
		writePackage(root, "greeter", `
id: greeter
version: 2.0.0
entry-point: greeter.Plugin
requires: ">=1.0.0"
dependencies:
  - welcome@>=1.0.0
`)
		writePackage(root, "future", "id: future\nversion: 0.1.0\nentry-point: future.Plugin\nrequires: \">=2.0.0\"\n")
		for _, id := range []string{"welcome", "greeter", "future"} {
			register(id)
		}
		mgr = newManager()
	})

	AfterEach(func() {
		Expect(mgr.Close(ctx)).To(Succeed())
	})

	It("loads, resolves and starts packages in dependency order", func() {
		outcomes, err := mgr.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcomes).To(HaveLen(3))

		Expect(stateOf(mgr, "future")).To(Equal(pluginpkg.StateDisabled))

		mgr.StartAll(ctx)
		Expect(j.all()).To(Equal([]string{"welcome.start", "greeter.start"}))
		Expect(stateOf(mgr, "greeter")).To(Equal(pluginpkg.StateStarted))
	})

	It("keeps disabled packages disabled across managers", func() {
		_, err := mgr.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Disable(ctx, "greeter")).To(Succeed())
		Expect(mgr.Close(ctx)).To(Succeed())

		Expect(filepath.Join(statusDir, status.DisabledFile)).To(BeAnExistingFile())

		catalog = pluginpkg.NewCatalog()
		for _, id := range []string{"welcome", "greeter", "future"} {
			register(id)
		}
		mgr = newManager()
		_, err = mgr.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stateOf(mgr, "greeter")).To(Equal(pluginpkg.StateDisabled))
		Expect(stateOf(mgr, "welcome")).To(Equal(pluginpkg.StateResolved))
	})

	It("refuses to unload a package others depend on", func() {
		_, err := mgr.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		mgr.StartAll(ctx)

		err = mgr.Unload(ctx, "welcome")
		Expect(err).To(MatchError(plugins.ErrHasDependents))
		Expect(stateOf(mgr, "welcome")).To(Equal(pluginpkg.StateStarted))
	})

	It("deletes a package from disk", func() {
		_, err := mgr.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		mgr.StartAll(ctx)

		deleted, err := mgr.Delete(ctx, "greeter")
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(BeTrue())
		Expect(filepath.Join(root, "greeter")).NotTo(BeADirectory())
		Expect(j.all()).To(ContainElements("greeter.stop", "greeter.delete"))

		_, loaded := mgr.Plugin("greeter")
		Expect(loaded).To(BeFalse())
	})

	It("reports packages with broken descriptors without blocking the rest", func() {
		writePackage(root, "broken", "id: Broken\nversion: 1.0.0\n")

		outcomes, err := mgr.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())

		var failed []plugins.Outcome
		for _, o := range outcomes {
			if o.PluginID == "" {
				failed = append(failed, o)
			}
		}
		Expect(failed).To(HaveLen(1))
		Expect(failed[0].Location).To(HaveSuffix("broken"))
		Expect(failed[0].Err).To(MatchError(pluginpkg.ErrDescriptorInvalid))
		Expect(stateOf(mgr, "welcome")).To(Equal(pluginpkg.StateResolved))
	})
})
