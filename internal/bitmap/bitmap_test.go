package bitmap_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opentorque/resv/internal/bitmap"
)

func from(n int, bits ...int) *bitmap.Bitmap {
	m := bitmap.New(n)
	for _, b := range bits {
		m.Set(b)
	}
	return m
}

var _ = Describe("Bitmap", func() {
	It("keeps set operations within its size", func() {
		m := bitmap.Full(10)
		Expect(m.Count()).To(Equal(10))
		m.Not()
		Expect(m.Count()).To(Equal(0))
		m.Set(12)
		Expect(m.Count()).To(Equal(0))
	})

	It("combines bitmaps in place", func() {
		a := from(8, 0, 1, 2, 3)
		b := from(8, 2, 3, 4)

		c := a.Copy()
		c.And(b)
		Expect(c.Indices()).To(Equal([]int{2, 3}))

		c = a.Copy()
		c.Or(b)
		Expect(c.Indices()).To(Equal([]int{0, 1, 2, 3, 4}))

		c = a.Copy()
		c.AndNot(b)
		Expect(c.Indices()).To(Equal([]int{0, 1}))

		Expect(a.Overlap(b)).To(Equal(2))
		Expect(a.Indices()).To(Equal([]int{0, 1, 2, 3}))
	})

	It("tests subsets", func() {
		Expect(from(8, 1, 2).SubsetOf(from(8, 0, 1, 2))).To(BeTrue())
		Expect(from(8, 1, 5).SubsetOf(from(8, 0, 1, 2))).To(BeFalse())
	})

	It("finds first and last set bits", func() {
		m := from(16, 3, 9, 11)
		Expect(m.Ffs()).To(Equal(3))
		Expect(m.Fls()).To(Equal(11))
		Expect(bitmap.New(4).Ffs()).To(Equal(-1))
	})

	It("picks the lowest indexed bits", func() {
		m := from(10, 1, 4, 6, 8)
		Expect(m.PickCnt(3).Indices()).To(Equal([]int{1, 4, 6}))
		Expect(m.PickCnt(5)).To(BeNil())
	})

	It("formats and parses ranges", func() {
		m := from(12, 0, 1, 2, 3, 7, 9, 10)
		Expect(m.Fmt()).To(Equal("0-3,7,9-10"))

		back, err := bitmap.Parse("0-3,7,9-10", 12)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Equal(m)).To(BeTrue())

		_, err = bitmap.Parse("4-20", 12)
		Expect(err).To(HaveOccurred())
	})
})
