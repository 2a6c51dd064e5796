package jobq

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ConsumerHandle", func() {
	It("starts active and stops delivering after Cancel", func() {
		var cancelled bool
		h := newConsumerHandle("q", 2, "tag-1", 7, func(h *ConsumerHandle) error {
			cancelled = true
			return nil
		})
		Expect(h.IsActive()).To(BeTrue())
		Expect(h.ChannelID()).To(Equal(uint64(7)))

		Expect(h.Cancel()).To(Succeed())
		Expect(h.IsActive()).To(BeFalse())
		Expect(cancelled).To(BeTrue())
	})

	It("is idempotent on repeated Cancel", func() {
		calls := 0
		h := newConsumerHandle("q", 1, "tag-1", 1, func(h *ConsumerHandle) error {
			calls++
			return nil
		})
		Expect(h.Cancel()).To(Succeed())
		Expect(h.Cancel()).To(Succeed())
		Expect(calls).To(Equal(1))
	})

	It("drops deliveries once inactive instead of blocking", func() {
		h := newConsumerHandle("q", 0, "tag-1", 1, nil)
		Expect(h.Cancel()).To(Succeed())

		done := make(chan struct{})
		go func() {
			h.deliver(&Delivery{})
			close(done)
		}()
		Eventually(done).Should(BeClosed())
	})

	It("signals Resumed without blocking, keeping at most one unread signal across rewires", func() {
		h := newConsumerHandle("q", 1, "tag-1", 1, nil)

		h.signalResume(2)
		Expect(h.ChannelID()).To(Equal(uint64(2)))
		Expect(h.Resumed()).To(Receive())

		h.signalResume(3)
		h.signalResume(4)
		Expect(h.Resumed()).To(Receive())
		Expect(h.Resumed()).NotTo(Receive())
	})
})
