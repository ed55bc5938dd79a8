package resv

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opentorque/resv/internal/assoc"
	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/node"
)

var _ = Describe("Scheduler pass", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture(Options{})
	})

	pass := func(s *Store, jobs ...*job.Job) []error {
		var errs []error
		s.BeginJobResvCheck()
		for _, j := range jobs {
			errs = append(errs, s.JobResvCheck(j))
		}
		s.FiniJobResvCheck()
		return errs
	}

	It("counts pending and running jobs per reservation", func() {
		r := f.create(&Desc{Name: "train", NodeCnt: u32(2), Duration: u32(60)})
		running := f.runJob(1001, "n1", 30*time.Minute)
		running.ResvName = "train"
		pending := &job.Job{UserID: 1001, ResvName: "train"}
		done := &job.Job{UserID: 1001, ResvName: "train", State: job.StateComplete}
		stray := &job.Job{UserID: 1001, ResvName: "gone"}

		Expect(pass(f.store, running, pending, done, stray)).To(HaveEach(BeNil()))
		Expect(r.JobRunCnt).To(Equal(1))
		Expect(r.JobPendCnt).To(Equal(1))

		f.store.BeginJobResvCheck()
		Expect(r.JobRunCnt).To(BeZero())
		Expect(r.JobPendCnt).To(BeZero())
	})

	DescribeTable("jobs outliving their reservation",
		func(overRun int, expired bool) {
			f = newFixture(Options{ResvOverRun: overRun})
			f.create(&Desc{Name: "train", NodeCnt: u32(1), Duration: u32(60)})
			j := f.runJob(1001, "n1", 3*time.Hour)
			j.ResvName = "train"
			f.now = f.now.Add(2 * time.Hour)

			f.store.BeginJobResvCheck()
			err := f.store.JobResvCheck(j)
			if expired {
				Expect(err).To(MatchError(ErrInvalidTimeValue))
			} else {
				Expect(err).NotTo(HaveOccurred())
			}
		},
		Entry("without allowance", 0, true),
		Entry("within the allowance", 90, false),
		Entry("beyond the allowance", 30, true),
		Entry("with unlimited allowance", -1, false),
	)

	It("purges ended reservations nobody uses", func() {
		f.create(&Desc{Name: "train", NodeCnt: u32(1), Duration: u32(60)})
		f.create(&Desc{Name: "busy", NodeCnt: u32(1), Duration: u32(60)})
		j := f.runJob(1001, "n2", 3*time.Hour)
		j.ResvName = "busy"
		f.now = f.now.Add(2 * time.Hour)
		f.store.TakeSaveRequest()

		pass(f.store, j)
		_, ok := f.store.Find("train")
		Expect(ok).To(BeFalse())
		_, ok = f.store.Find("busy")
		Expect(ok).To(BeTrue())
		Expect(f.acct.removes).To(HaveLen(1))
		Expect(f.acct.removes[0].Name).To(Equal("train"))
		Expect(f.store.SaveRequested()).To(BeTrue())

		j.State = job.StateComplete
		pass(f.store, j)
		Expect(f.store.Len()).To(BeZero())
		Expect(j.ResvName).To(BeEmpty())
	})

	DescribeTable("recurring reservations advance instead of ending",
		func(flag uint16, period time.Duration) {
			r := f.create(&Desc{Name: "standup", NodeCnt: u32(1), StartTime: f.at(time.Hour),
				Duration: u32(30), Flags: flags(flag)})
			start, end := r.StartTime, r.EndTime
			f.now = f.now.Add(2 * time.Hour)

			pass(f.store)
			Expect(f.store.Len()).To(Equal(1))
			Expect(r.StartTime).To(Equal(start.Add(period)))
			Expect(r.EndTime).To(Equal(end.Add(period)))
			Expect(r.StartFirst).To(Equal(r.StartTime))
			Expect(r.StartPrev).To(Equal(r.StartTime))
			Expect(f.acct.adds).To(HaveLen(2))
		},
		Entry("daily", FlagDaily, 24*time.Hour),
		Entry("weekly", FlagWeekly, 7*24*time.Hour),
	)

	Describe("maintenance mode", func() {
		var r *Reservation

		BeforeEach(func() {
			r = f.create(&Desc{Name: "maint", NodeList: sp("n[1-2]"), StartTime: f.at(time.Hour),
				Duration: u32(60), Flags: flags(FlagMaint)})
			Expect(f.nodes.SetState("n2", node.StateDown, "psu")).To(Succeed())
		})

		maint := func(name string) bool {
			return f.nodes.GetNode(name).State&node.StateMaint != 0
		}

		It("marks nodes only while the reservation is active", func() {
			Expect(f.store.SetNodeMaintMode()).To(BeFalse())
			Expect(maint("n1")).To(BeFalse())

			f.now = f.now.Add(time.Hour)
			Expect(f.store.SetNodeMaintMode()).To(BeTrue())
			Expect(r.MaintSetNode).To(BeTrue())
			Expect(maint("n1")).To(BeTrue())
			Expect(maint("n2")).To(BeTrue())
			Expect(maint("n3")).To(BeFalse())
			Expect(f.store.SetNodeMaintMode()).To(BeFalse())

			f.now = f.now.Add(time.Hour)
			Expect(f.store.SetNodeMaintMode()).To(BeTrue())
			Expect(r.MaintSetNode).To(BeFalse())
			Expect(maint("n1")).To(BeFalse())
		})

		It("reports unusable nodes to accounting", func() {
			f.now = f.now.Add(time.Hour)
			f.store.SetNodeMaintMode()
			Expect(f.acct.downs).To(HaveLen(1))
			ev := f.acct.downs[0]
			Expect(ev.Node).To(Equal("n2"))
			Expect(ev.Reason).To(Equal("maintenance reservation maint"))
			Expect(ev.State).To(ContainSubstring("down"))
			Expect(ev.Time).To(Equal(f.now))
			Expect(ev.Cluster).To(Equal("test"))
		})

		It("clears the marks when maintenance is switched off", func() {
			f.now = f.now.Add(time.Hour)
			f.store.SetNodeMaintMode()
			Expect(maint("n1")).To(BeTrue())

			Expect(f.store.Update(&Desc{Name: "maint", Flags: flags(FlagNoMaint)})).To(Succeed())
			Expect(maint("n1")).To(BeFalse())
			Expect(maint("n2")).To(BeFalse())
			got, _ := f.store.Find("maint")
			Expect(got.MaintSetNode).To(BeFalse())

			f.now = f.now.Add(2 * time.Hour)
			pass(f.store)
			Expect(f.store.Len()).To(BeZero())
			Expect(maint("n1")).To(BeFalse())
		})

		It("moves the marks with the node list", func() {
			f.now = f.now.Add(time.Hour)
			f.store.SetNodeMaintMode()

			Expect(f.store.Update(&Desc{Name: "maint", NodeList: sp("n[3-4]")})).To(Succeed())
			Expect(maint("n1")).To(BeFalse())
			Expect(maint("n3")).To(BeFalse())

			Expect(f.store.SetNodeMaintMode()).To(BeTrue())
			Expect(maint("n1")).To(BeFalse())
			Expect(maint("n3")).To(BeTrue())
			Expect(maint("n4")).To(BeTrue())
		})

		It("keeps an ended reservation until its marks are cleared", func() {
			f.now = f.now.Add(time.Hour)
			f.store.SetNodeMaintMode()
			f.now = f.now.Add(2 * time.Hour)

			pass(f.store)
			Expect(f.store.Len()).To(Equal(1))

			f.store.SetNodeMaintMode()
			pass(f.store)
			Expect(f.store.Len()).To(BeZero())
		})
	})

	It("announces every reservation to accounting", func() {
		f.create(&Desc{NodeCnt: u32(1)})
		f.create(&Desc{NodeCnt: u32(1)})
		f.store.SendResvsToAccounting()
		Expect(f.acct.adds).To(HaveLen(4))
	})

	It("re-resolves associations after the table changes", func() {
		f = newFixture(Options{AssocBased: true})
		r := f.create(&Desc{Users: sp("alice"), NodeCnt: u32(1)})
		Expect(r.AssocString()).To(Equal(",3,"))

		f.assocs.Add(&assoc.Assoc{ID: 6, ParentID: 4, Account: "chem", User: "alice"})
		f.store.UpdateAssocsInResvs()
		Expect(r.AssocString()).To(Equal(",3,6,"))
	})
})
