package dlog

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DatedLog", func() {
	It("switches files when the day changes", func() {
		dir := GinkgoT().TempDir()
		day := time.Date(2024, 3, 9, 23, 59, 0, 0, time.Local)
		dl, err := newWithClock(dir, func() time.Time { return day })
		Expect(err).NotTo(HaveOccurred())
		defer dl.Close()

		_, err = dl.Write([]byte("first\n"))
		Expect(err).NotTo(HaveOccurred())
		day = day.Add(2 * time.Minute)
		_, err = dl.Write([]byte("second\n"))
		Expect(err).NotTo(HaveOccurred())

		a, err := os.ReadFile(filepath.Join(dir, "20240309"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(a)).To(Equal("first\n"))
		b, err := os.ReadFile(filepath.Join(dir, "20240310"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("second\n"))
	})

	It("builds a zap logger writing into the dated file", func() {
		dir := GinkgoT().TempDir()
		log, dl, err := Setup(dir, false)
		Expect(err).NotTo(HaveOccurred())
		log.Info("hello reservations")
		Expect(log.Sync()).To(Succeed())
		data, err := os.ReadFile(dl.Path())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("hello reservations"))
		Expect(dl.Close()).To(Succeed())
	})
})
