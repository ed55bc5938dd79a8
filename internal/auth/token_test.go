package auth

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Key files", func() {
	It("generates once and loads thereafter", func() {
		dir := GinkgoT().TempDir()
		key, err := LoadOrGenerateKey(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(key).To(HaveLen(KeySize))

		again, err := LoadOrGenerateKey(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(key))
	})

	It("rejects a corrupt key file", func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, KeyFileName), []byte("not hex\n"), 0644)).To(Succeed())
		_, err := LoadOrGenerateKey(dir)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Verifier", func() {
	key := []byte("0123456789abcdef0123456789abcdef")
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	var v *Verifier

	BeforeEach(func() {
		v = NewVerifier(key)
		v.now = func() time.Time { return now }
	})

	It("accepts a fresh token", func() {
		ts := now.Add(-time.Minute).Unix()
		Expect(v.Verify("alice", ts, ComputeToken("alice", ts, key))).To(Succeed())
	})

	It("rejects a token signed for someone else", func() {
		ts := now.Unix()
		Expect(v.Verify("bob", ts, ComputeToken("alice", ts, key))).To(MatchError(ErrInvalidToken))
	})

	It("rejects stale and future timestamps", func() {
		for _, d := range []time.Duration{-10 * time.Minute, 10 * time.Minute} {
			ts := now.Add(d).Unix()
			Expect(v.Verify("alice", ts, ComputeToken("alice", ts, key))).To(MatchError(ErrExpired))
		}
	})

	It("parses header values", func() {
		ts := now.Unix()
		user, err := v.VerifyHeaders("alice", strconv.FormatInt(ts, 10), ComputeToken("alice", ts, key))
		Expect(err).NotTo(HaveOccurred())
		Expect(user).To(Equal("alice"))

		_, err = v.VerifyHeaders("alice", "yesterday", "x")
		Expect(err).To(MatchError(ErrInvalidToken))
		_, err = v.VerifyHeaders("", "", "")
		Expect(err).To(MatchError(ErrInvalidToken))
	})
})
