package lifecycle_test

import (
	"errors"

	"github.com/aogaki/delila2/lifecycle"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Machine", func() {
	var m *lifecycle.Machine

	BeforeEach(func() {
		m = &lifecycle.Machine{}
	})

	It("starts Idle", func() {
		Expect(m.Get()).To(Equal(lifecycle.Idle))
	})

	It("walks the full happy path", func() {
		Expect(m.Configure(nil)).To(BeTrue())
		Expect(m.Get()).To(Equal(lifecycle.Configured))

		Expect(m.Arm(nil)).To(BeTrue())
		Expect(m.Get()).To(Equal(lifecycle.Armed))

		Expect(m.Start(7, nil)).To(BeTrue())
		Expect(m.Get()).To(Equal(lifecycle.Running))
		Expect(m.RunNumber()).To(Equal(uint64(7)))

		Expect(m.Stop(true, nil)).To(BeTrue())
		Expect(m.Get()).To(Equal(lifecycle.Configured))
	})

	It("rejects an invalid transition without mutating state", func() {
		Expect(m.Arm(nil)).To(BeFalse())
		Expect(m.Get()).To(Equal(lifecycle.Idle))

		Expect(m.Start(1, nil)).To(BeFalse())
		Expect(m.Get()).To(Equal(lifecycle.Idle))
	})

	It("rejects a same-state call as invalid", func() {
		Expect(m.Configure(nil)).To(BeTrue())
		Expect(m.Configure(nil)).To(BeFalse())
		Expect(m.Get()).To(Equal(lifecycle.Configured))
	})

	It("moves to Error when the transition callback fails, recording the message", func() {
		Expect(m.Configure(func() error { return errors.New("bad address") })).To(BeFalse())
		Expect(m.Get()).To(Equal(lifecycle.Error))
		Expect(m.LastError()).To(Equal("bad address"))
	})

	It("resets from Error back to Idle, clearing the error", func() {
		m.Configure(func() error { return errors.New("boom") })
		Expect(m.Get()).To(Equal(lifecycle.Error))

		m.Reset(nil)
		Expect(m.Get()).To(Equal(lifecycle.Idle))
		Expect(m.LastError()).To(Equal(""))
	})

	It("resets from any state back to Idle", func() {
		m.Configure(nil)
		m.Arm(nil)
		m.Reset(nil)
		Expect(m.Get()).To(Equal(lifecycle.Idle))
		Expect(m.RunNumber()).To(Equal(uint64(0)))
	})

	It("stringifies every state", func() {
		Expect(lifecycle.Idle.String()).To(Equal("Idle"))
		Expect(lifecycle.Configured.String()).To(Equal("Configured"))
		Expect(lifecycle.Armed.String()).To(Equal("Armed"))
		Expect(lifecycle.Running.String()).To(Equal("Running"))
		Expect(lifecycle.Error.String()).To(Equal("Error"))
	})
})
