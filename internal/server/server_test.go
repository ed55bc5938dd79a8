package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/opentorque/resv/internal/api"
	"github.com/opentorque/resv/internal/auth"
	"github.com/opentorque/resv/internal/config"
	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/node"
	"github.com/opentorque/resv/internal/resv"
)

const assocTable = `
users:
  - name: alice
    uid: 1001
  - name: bob
    uid: 1002
associations:
  - id: 1
    account: root
  - id: 2
    account: physics
    parent: 1
  - id: 3
    account: physics
    user: alice
    parent: 2
  - id: 4
    account: chem
    parent: 1
  - id: 5
    account: chem
    user: bob
    parent: 4
`

func sp(s string) *string { return &s }

func u32(v uint32) *uint32 { return &v }

var _ = Describe("Server", func() {
	var (
		home  string
		cfg   *config.Config
		s     *Server
		clock time.Time
	)

	newServer := func() *Server {
		srv, err := New(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		srv.now = func() time.Time { return clock }
		return srv
	}

	BeforeEach(func() {
		home = GinkgoT().TempDir()
		clock = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

		cfg = config.NewConfig(home)
		cfg.ClusterName = "test"
		cfg.Nodes = []config.NodeConfig{
			{Names: "n[1-4]", CPUs: 4, Features: []string{"fast"}},
		}
		cfg.Licenses = "matlab*2"
		cfg.Operators = []string{"admin"}
		cfg.AssociationBasedAccounting = true
		cfg.API.Listen = "127.0.0.1:0"
		Expect(os.WriteFile(cfg.AssocFile, []byte(assocTable), 0644)).To(Succeed())

		s = newServer()
	})

	AfterEach(func() {
		s.closeSinks()
	})

	createResv := func(d *resv.Desc) resv.Info {
		info, err := s.CreateReservation(d)
		Expect(err).NotTo(HaveOccurred())
		return info
	}

	submit := func(req *api.JobRequest) *api.JobInfo {
		info, err := s.SubmitJob(req)
		Expect(err).NotTo(HaveOccurred())
		return info
	}

	It("builds the cluster from configuration", func() {
		Expect(s.nodes.Count()).To(Equal(4))
		p := s.parts.Default()
		Expect(p).NotTo(BeNil())
		Expect(p.Name).To(Equal("batch"))
		Expect(p.NodeBitmap.Count()).To(Equal(4))
		Expect(s.IsOperator("admin")).To(BeTrue())
		Expect(s.IsOperator("root")).To(BeTrue())
		Expect(s.IsOperator("alice")).To(BeFalse())
	})

	It("rejects an unknown accounting backend", func() {
		cfg.Accounting.Backends = []string{"kafka"}
		_, err := New(cfg, nil)
		Expect(err).To(MatchError(ContainSubstring("kafka")))
	})

	It("reads a nodes file before inline nodes", func() {
		Expect(os.WriteFile(cfg.NodesFile, []byte("c[1-2] np=8 features=gpu\n"), 0644)).To(Succeed())
		srv := newServer()
		defer srv.closeSinks()
		Expect(srv.nodes.Count()).To(Equal(6))
		Expect(srv.nodes.Name(0)).To(Equal("c1"))
	})

	Context("jobs in a reservation", func() {
		var r resv.Info

		BeforeEach(func() {
			r = createResv(&resv.Desc{
				StartTime: &clock,
				Duration:  u32(60),
				NodeCnt:   u32(2),
				Users:     sp("alice"),
			})
		})

		It("links and starts a job on the reserved nodes", func() {
			j := submit(&api.JobRequest{Name: "sim", User: "alice", Reservation: r.Name, NodeCnt: 2})
			Expect(j.ResvID).To(Equal(r.ID))
			Expect(j.State).To(Equal("PENDING"))

			res, err := s.TestJob(j.ID, time.Time{}, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Ready).To(BeTrue())
			Expect(res.NodeList).To(Equal(r.NodeList))

			started, err := s.SetJobState(j.ID, "RUNNING")
			Expect(err).NotTo(HaveOccurred())
			Expect(started.State).To(Equal("RUNNING"))
			Expect(started.NodeList).To(Equal(r.NodeList))
			Expect(s.nodes.GetNode("n1").State & node.StateAllocated).NotTo(BeZero())
		})

		It("refuses users the reservation does not name", func() {
			_, err := s.SubmitJob(&api.JobRequest{User: "bob", Reservation: r.Name})
			Expect(errors.Is(err, resv.ErrReservationAccess)).To(BeTrue())
		})

		It("keeps unreserved jobs off reserved nodes", func() {
			j := submit(&api.JobRequest{User: "bob", NodeCnt: 3, TimeLimit: u32(30)})
			_, err := s.SetJobState(j.ID, "RUNNING")
			Expect(errors.Is(err, resv.ErrNodesBusy)).To(BeTrue())

			j = submit(&api.JobRequest{User: "bob", NodeCnt: 2, TimeLimit: u32(30)})
			started, err := s.SetJobState(j.ID, "RUNNING")
			Expect(err).NotTo(HaveOccurred())
			Expect(started.NodeList).To(Equal("n[3-4]"))
		})

		It("times out a job that outlives its reservation", func() {
			j := submit(&api.JobRequest{User: "alice", Reservation: r.Name, NodeCnt: 2})
			_, err := s.SetJobState(j.ID, "RUNNING")
			Expect(err).NotTo(HaveOccurred())

			s.RunSchedulerPass()
			Expect(s.jobs.GetJob(j.ID).State).To(Equal(job.StateRunning))
			_, ok := s.store.Find(r.Name)
			Expect(ok).To(BeTrue())

			clock = clock.Add(61 * time.Minute)
			s.RunSchedulerPass()
			Expect(s.jobs.GetJob(j.ID).State).To(Equal(job.StateTimeout))
			Expect(s.nodes.GetNode("n1").State & node.StateAllocated).To(BeZero())

			// The next pass finds no job counting against it and purges it.
			s.RunSchedulerPass()
			_, ok = s.store.Find(r.Name)
			Expect(ok).To(BeFalse())
		})

		It("releases nodes when a job completes", func() {
			j := submit(&api.JobRequest{User: "alice", Reservation: r.Name, NodeCnt: 1})
			_, err := s.SetJobState(j.ID, "RUNNING")
			Expect(err).NotTo(HaveOccurred())
			done, err := s.SetJobState(j.ID, "COMPLETED")
			Expect(err).NotTo(HaveOccurred())
			Expect(done.State).To(Equal("COMPLETED"))
			Expect(s.nodes.IdleBitmap().Count()).To(Equal(4))

			_, err = s.SetJobState(j.ID, "RUNNING")
			Expect(errors.Is(err, api.ErrConflict)).To(BeTrue())
			_, err = s.SetJobState(j.ID, "SLEEPING")
			Expect(errors.Is(err, api.ErrBadRequest)).To(BeTrue())
			_, err = s.SetJobState(99, "RUNNING")
			Expect(errors.Is(err, api.ErrNotFound)).To(BeTrue())
		})

		It("refuses to delete a reservation jobs are using", func() {
			submit(&api.JobRequest{User: "alice", Reservation: r.Name})
			Expect(errors.Is(s.DeleteReservation(r.Name), resv.ErrReservationBusy)).To(BeTrue())
		})
	})

	It("marks maintenance nodes once the window opens", func() {
		start := clock.Add(time.Hour)
		flags := uint16(resv.FlagMaint)
		createResv(&resv.Desc{
			Name:      "maint",
			StartTime: &start,
			Duration:  u32(60),
			NodeList:  sp("n[1-2]"),
			Users:     sp("alice"),
			Flags:     &flags,
		})
		Expect(s.nodes.GetNode("n1").State & node.StateMaint).To(BeZero())

		clock = clock.Add(90 * time.Minute)
		s.RunSchedulerPass()
		Expect(s.nodes.GetNode("n1").State & node.StateMaint).NotTo(BeZero())
		Expect(s.nodes.GetNode("n3").State & node.StateMaint).To(BeZero())
	})

	It("changes node state", func() {
		Expect(s.SetNodeState("n2", "down", "psu")).To(Succeed())
		Expect(s.nodes.GetNode("n2").State & node.StateDown).NotTo(BeZero())
		Expect(errors.Is(s.SetNodeState("n9", "down", ""), api.ErrNotFound)).To(BeTrue())
		Expect(errors.Is(s.SetNodeState("n2", "sideways", ""), api.ErrBadRequest)).To(BeTrue())
	})

	It("hides reservations from non-members under private data", func() {
		cfg.PrivateData = true
		srv := newServer()
		defer srv.closeSinks()
		_, err := srv.CreateReservation(&resv.Desc{StartTime: &clock, Duration: u32(60), NodeCnt: u32(1), Users: sp("alice")})
		Expect(err).NotTo(HaveOccurred())

		list, err := srv.ShowReservations("alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		list, err = srv.ShowReservations("bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(BeEmpty())
	})

	It("re-resolves associations on reload", func() {
		r := createResv(&resv.Desc{StartTime: &clock, Duration: u32(60), NodeCnt: u32(1), Users: sp("alice")})
		rec, _ := s.store.Find(r.Name)
		Expect(rec.AssocString()).To(Equal(",3,"))

		Expect(os.WriteFile(cfg.AssocFile, []byte(assocTable+`
  - id: 6
    account: chem
    user: alice
    parent: 4
`), 0644)).To(Succeed())
		Expect(s.Reload()).To(Succeed())
		rec, _ = s.store.Find(r.Name)
		Expect(rec.AssocString()).To(Equal(",3,6,"))
	})

	It("saves only when asked and retries failed writes", func() {
		createResv(&resv.Desc{StartTime: &clock, Duration: u32(60), NodeCnt: u32(1), Users: sp("alice")})
		Expect(os.MkdirAll(cfg.StateSaveLocation, 0750)).To(Succeed())
		Expect(s.Save()).To(Succeed())
		Expect(filepath.Join(cfg.StateSaveLocation, resv.StateFile)).To(BeARegularFile())
		Expect(s.store.SaveRequested()).To(BeFalse())
		Expect(s.Save()).To(Succeed())

		blocker := filepath.Join(home, "blocker")
		Expect(os.WriteFile(blocker, nil, 0644)).To(Succeed())
		s.cfg.StateSaveLocation = filepath.Join(blocker, "state")
		s.store.RequestSave()
		Expect(s.Save()).To(HaveOccurred())
		Expect(s.store.SaveRequested()).To(BeTrue())
	})

	It("serves the API and recovers state across restarts", func() {
		createResv(&resv.Desc{Name: "keep", StartTime: &clock, Duration: u32(120), NodeCnt: u32(2), Users: sp("alice")})
		Expect(s.Start()).To(Succeed())

		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		Expect(err).NotTo(HaveOccurred())
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(string(body)).To(Equal("ok"))

		key, err := auth.LoadKey(cfg.API.KeyDir)
		Expect(err).NotTo(HaveOccurred())
		req, _ := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/v1/reservations/keep", nil)
		ts := time.Now().Unix()
		req.Header.Set(auth.HeaderUser, "alice")
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderToken, auth.ComputeToken("alice", ts, key))
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		s.Shutdown()

		again := newServer()
		Expect(again.Start()).To(Succeed())
		defer again.Shutdown()
		rec, ok := again.store.Find("keep")
		Expect(ok).To(BeTrue())
		Expect(rec.NodeCnt).To(Equal(2))
		Expect(rec.EndTime).To(BeTemporally("==", clock.Add(2*time.Hour)))
	})
})
