package e2e

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/tests/integration/testutil"
)

var _ = Describe("Call flow", func() {
	var (
		harness *testutil.Harness
		ada     *testutil.Client
		bob     *testutil.Client
	)

	BeforeEach(func() {
		var err error
		harness, err = testutil.Start(testutil.Options{})
		Expect(err).NotTo(HaveOccurred())

		ada, err = testutil.Dial(harness.URL)
		Expect(err).NotTo(HaveOccurred())
		bob, err = testutil.Dial(harness.URL)
		Expect(err).NotTo(HaveOccurred())

		reply, err := ada.Signup("ada", "Abcdef!1", "Ada")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())

		reply, err = bob.Signup("bob", "Abcdef!1", "Bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())
	})

	AfterEach(func() {
		ada.Close()
		bob.Close()
		harness.Stop()
	})

	It("completes an invite/accept/end round trip with a persisted record", func() {
		reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())

		var invite protocol.CallInvitePush
		Expect(reply.DecodePayload(&invite)).To(Succeed())

		push, err := bob.Await(protocol.TypeCallInvite, 3*time.Second)
		Expect(err).NotTo(HaveOccurred())
		var received protocol.CallInvitePush
		Expect(push.DecodePayload(&received)).To(Succeed())
		Expect(received.From).To(Equal(ada.UserID))

		reply, err = bob.Request(protocol.TypeCallAccept, protocol.CallAnswerRequest{CallID: invite.CallID})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())

		_, err = ada.Await(protocol.TypeCallAccept, 3*time.Second)
		Expect(err).NotTo(HaveOccurred())

		reply, err = ada.Request(protocol.TypeCallEnd, protocol.CallAnswerRequest{CallID: invite.CallID})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())

		endPush, err := bob.Await(protocol.TypeCallEnd, 3*time.Second)
		Expect(err).NotTo(HaveOccurred())
		var end protocol.CallEventPush
		Expect(endPush.DecodePayload(&end)).To(Succeed())
		Expect(end.From).To(Equal(ada.UserID))

		Eventually(func() bool {
			rec, _ := harness.DB.GetCall(invite.CallID)
			return rec != nil && !rec.EndedAt.Before(rec.StartedAt)
		}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())
	})

	It("rejects an invite to a busy callee", func() {
		reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())

		carol, err := testutil.Dial(harness.URL)
		Expect(err).NotTo(HaveOccurred())
		defer carol.Close()
		signupReply, err := carol.Signup("carol", "Abcdef!1", "Carol")
		Expect(err).NotTo(HaveOccurred())
		Expect(signupReply.Success).To(BeTrue())

		reply, err = carol.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeFalse())
		Expect(reply.ErrorCode).To(Equal(protocol.ErrTargetBusy))
	})

	It("keeps unrelated requests working while a call rings", func() {
		reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Success).To(BeTrue())

		contacts, err := ada.Request(protocol.TypeGetContacts, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(contacts.Success).To(BeTrue())
	})
})
