package resv

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/node"
)

var _ = Describe("Node selection", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture(Options{})
	})

	DescribeTable("feature expressions",
		func(features string, count int, want string) {
			r := f.create(&Desc{NodeCnt: u32(uint32(count)), Features: sp(features)})
			Expect(r.NodeList).To(Equal(want))
		},
		Entry("single feature", "fast", 2, "n[1-2]"),
		Entry("other feature", "big", 2, "n[5-6]"),
		Entry("either feature", "fast|big", 8, "n[1-8]"),
		Entry("comma means and", "fast,fast", 4, "n[1-4]"),
		Entry("operators fold left to right", "fast|big,big", 4, "n[5-8]"),
	)

	It("does not give and precedence over or", func() {
		_, err := f.store.Create(&Desc{Users: sp("alice"), NodeCnt: u32(5), Features: sp("fast|big,big")})
		Expect(err).To(MatchError(ErrNodesBusy))
	})

	It("finds nothing for contradictory features", func() {
		_, err := f.store.Create(&Desc{Users: sp("alice"), NodeCnt: u32(1), Features: sp("fast&big")})
		Expect(err).To(MatchError(ErrNodesBusy))
	})

	It("rejects unknown features", func() {
		_, err := f.store.Create(&Desc{Users: sp("alice"), NodeCnt: u32(1), Features: sp("fast|gpu")})
		Expect(err).To(MatchError(ErrInvalidFeature))
	})

	It("prefers nodes idle now", func() {
		f.runJob(1001, "n1", 3*time.Hour)
		r := f.create(&Desc{NodeCnt: u32(2), Flags: flags(FlagIgnJobs)})
		Expect(r.NodeList).To(Equal("n[2-3]"))
	})

	It("takes nodes whose jobs end before the window", func() {
		f.runJob(1001, "n[1-7]", 30*time.Minute)
		r := f.create(&Desc{NodeCnt: u32(2), StartTime: f.at(time.Hour)})
		Expect(r.NodeList).To(Equal("n[1-2]"))
	})

	It("only takes nodes of running jobs when told to ignore jobs", func() {
		f.runJob(1001, "n[1-7]", 3*time.Hour)
		_, err := f.store.Create(&Desc{Users: sp("alice"), NodeCnt: u32(2), StartTime: f.at(time.Hour)})
		Expect(err).To(MatchError(ErrNodesBusy))

		r := f.create(&Desc{NodeCnt: u32(2), StartTime: f.at(time.Hour), Flags: flags(FlagIgnJobs)})
		Expect(r.NodeList).To(Equal("n[1-2]"))
	})

	It("skips nodes reserved in the window", func() {
		f.create(&Desc{NodeList: sp("n[1-3]"), StartTime: f.at(time.Hour), Duration: u32(60)})
		r := f.create(&Desc{Users: sp("bob"), NodeCnt: u32(2), StartTime: f.at(90 * time.Minute), Duration: u32(60)})
		Expect(r.NodeList).To(Equal("n[4-5]"))

		later := f.create(&Desc{Users: sp("bob"), NodeCnt: u32(2), StartTime: f.at(3 * time.Hour), Duration: u32(60)})
		Expect(later.NodeList).To(Equal("n[1-2]"))
	})

	It("only lets maintenance reservations take unusable nodes", func() {
		Expect(f.nodes.SetState("n1", node.StateDown, "dead")).To(Succeed())
		_, err := f.store.Create(&Desc{Users: sp("alice"), NodeCnt: u32(8)})
		Expect(err).To(MatchError(ErrNodesBusy))

		r := f.create(&Desc{NodeCnt: u32(8), Flags: flags(FlagMaint)})
		Expect(r.NodeList).To(Equal("n[1-8]"))
	})

	It("uses the configured chooser", func() {
		s := NewStore(Deps{
			Nodes:      f.nodes,
			Partitions: f.parts,
			Jobs:       f.jobs,
			Assocs:     f.assocs,
			Licenses:   f.lics,
			Chooser:    ContiguousChooser{},
		}, Options{Now: func() time.Time { return f.now }}, nil)
		for _, name := range []string{"n3", "n7"} {
			f.runJob(1001, name, 3*time.Hour)
		}
		r, err := s.Create(&Desc{Users: sp("alice"), NodeCnt: u32(2), StartTime: f.at(time.Hour), Flags: flags(FlagIgnJobs)})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NodeList).To(Equal("n[1-2]"))
		r, err = s.Create(&Desc{Users: sp("alice"), NodeCnt: u32(3), StartTime: f.at(time.Hour), Flags: flags(FlagIgnJobs)})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NodeList).To(Equal("n[4-6]"))
	})

	Describe("replacing unusable nodes", func() {
		It("swaps a failed node of an automatically placed reservation", func() {
			r := f.create(&Desc{NodeCnt: u32(2), StartTime: f.at(time.Hour), Duration: u32(60)})
			Expect(f.nodes.SetState("n2", node.StateDown, "dead")).To(Succeed())
			f.store.TakeSaveRequest()

			f.store.FiniJobResvCheck()
			Expect(r.NodeList).To(Equal("n[1,3]"))
			Expect(r.NodeCnt).To(Equal(2))
			Expect(r.CPUCnt).To(Equal(uint32(8)))
			Expect(f.store.SaveRequested()).To(BeTrue())
		})

		It("keeps explicitly named nodes", func() {
			r := f.create(&Desc{NodeList: sp("n[1-2]"), StartTime: f.at(time.Hour), Duration: u32(60)})
			Expect(f.nodes.SetState("n2", node.StateDown, "dead")).To(Succeed())

			f.store.FiniJobResvCheck()
			Expect(r.NodeList).To(Equal("n[1-2]"))
		})

		It("keeps the reservation as is when no replacement exists", func() {
			r := f.create(&Desc{NodeCnt: u32(2), StartTime: f.at(time.Hour), Duration: u32(60), Partition: sp("debug")})
			Expect(f.nodes.SetState("n2", node.StateDown, "dead")).To(Succeed())

			f.store.FiniJobResvCheck()
			Expect(r.NodeList).To(Equal("n[1-2]"))
		})
	})
})

var _ = Describe("ContiguousChooser", func() {
	var avail *bitmap.Bitmap

	BeforeEach(func() {
		avail = bitmap.New(8)
		for _, i := range []int{0, 1, 3, 4, 5, 7} {
			avail.Set(i)
		}
	})

	It("takes the shortest run that fits", func() {
		Expect(ContiguousChooser{}.Choose(avail, 2).Indices()).To(Equal([]int{0, 1}))
		Expect(ContiguousChooser{}.Choose(avail, 3).Indices()).To(Equal([]int{3, 4, 5}))
	})

	It("falls back to the lowest nodes when no run fits", func() {
		Expect(ContiguousChooser{}.Choose(avail, 4).Indices()).To(Equal([]int{0, 1, 3, 4}))
	})

	It("fails when too few nodes are available", func() {
		Expect(ContiguousChooser{}.Choose(avail, 7)).To(BeNil())
	})

	It("is selected by name", func() {
		c, ok := ChooserByName("contiguous")
		Expect(ok).To(BeTrue())
		Expect(c).To(Equal(ContiguousChooser{}))
		c, ok = ChooserByName("")
		Expect(ok).To(BeTrue())
		Expect(c).To(Equal(LinearChooser{}))
		_, ok = ChooserByName("random")
		Expect(ok).To(BeFalse())
	})
})
