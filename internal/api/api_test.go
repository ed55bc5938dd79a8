package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/opentorque/resv/internal/auth"
	"github.com/opentorque/resv/internal/resv"
)

type fakeBackend struct {
	resvs     []resv.Info
	created   *resv.Desc
	updated   *resv.Desc
	deleted   string
	submitted *JobRequest
	jobState  string
	testWhen  time.Time
	testMove  bool
	nodeState string
	err       error
}

func (f *fakeBackend) ShowReservations(user string) ([]resv.Info, error) {
	return f.resvs, f.err
}

func (f *fakeBackend) CreateReservation(d *resv.Desc) (resv.Info, error) {
	f.created = d
	if f.err != nil {
		return resv.Info{}, f.err
	}
	return resv.Info{ID: 1, Name: "alice_1"}, nil
}

func (f *fakeBackend) UpdateReservation(d *resv.Desc) (resv.Info, error) {
	f.updated = d
	return resv.Info{ID: 1, Name: d.Name}, f.err
}

func (f *fakeBackend) DeleteReservation(name string) error {
	f.deleted = name
	return f.err
}

func (f *fakeBackend) SubmitJob(req *JobRequest) (*JobInfo, error) {
	f.submitted = req
	if f.err != nil {
		return nil, f.err
	}
	return &JobInfo{ID: 7, Name: req.Name, State: "PENDING", Reservation: req.Reservation}, nil
}

func (f *fakeBackend) SetJobState(id uint32, state string) (*JobInfo, error) {
	f.jobState = state
	if f.err != nil {
		return nil, f.err
	}
	return &JobInfo{ID: id, State: state}, nil
}

func (f *fakeBackend) TestJob(id uint32, when time.Time, move bool) (*TestResult, error) {
	f.testWhen, f.testMove = when, move
	if f.err != nil {
		return nil, f.err
	}
	return &TestResult{Reservation: "r1", Ready: true, NodeList: "n[1-2]", StartTime: when}, nil
}

func (f *fakeBackend) SetNodeState(name, state, reason string) error {
	f.nodeState = name + "=" + state
	return f.err
}

func (f *fakeBackend) IsOperator(user string) bool { return user == "root" }

var _ = Describe("API", func() {
	key := []byte("0123456789abcdef0123456789abcdef")
	var (
		b *fakeBackend
		e *echo.Echo
	)

	BeforeEach(func() {
		b = &fakeBackend{}
		metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "resvd_reservations 0\n")
		})
		e = New(Config{Backend: b, Verifier: auth.NewVerifier(key), Metrics: metrics})
	})

	do := func(method, path, user, body string) *httptest.ResponseRecorder {
		var rd io.Reader
		if body != "" {
			rd = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, rd)
		if body != "" {
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		}
		if user != "" {
			ts := time.Now().Unix()
			req.Header.Set(auth.HeaderUser, user)
			req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
			req.Header.Set(auth.HeaderToken, auth.ComputeToken(user, ts, key))
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]interface{} {
		var m map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &m)).To(Succeed())
		return m
	}

	It("serves health and metrics without credentials", func() {
		rec := do(http.MethodGet, "/healthz", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("ok"))

		rec = do(http.MethodGet, "/metrics", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("resvd_reservations"))
	})

	Context("authentication", func() {
		It("rejects requests without a token", func() {
			Expect(do(http.MethodGet, "/v1/reservations", "", "").Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects a forged token", func() {
			req := httptest.NewRequest(http.MethodGet, "/v1/reservations", nil)
			req.Header.Set(auth.HeaderUser, "alice")
			req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
			req.Header.Set(auth.HeaderToken, "deadbeef")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("trusts the user header when no verifier is configured", func() {
			e = New(Config{Backend: b})
			req := httptest.NewRequest(http.MethodGet, "/v1/reservations", nil)
			req.Header.Set(auth.HeaderUser, "alice")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`[]`))
		})
	})

	Context("reservations", func() {
		BeforeEach(func() {
			b.resvs = []resv.Info{{ID: 1, Name: "maint"}, {ID: 2, Name: "alice_2"}}
		})

		It("lists and fetches by name", func() {
			rec := do(http.MethodGet, "/v1/reservations", "alice", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var list []resv.Info
			Expect(json.Unmarshal(rec.Body.Bytes(), &list)).To(Succeed())
			Expect(list).To(HaveLen(2))

			rec = do(http.MethodGet, "/v1/reservations/alice_2", "alice", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(HaveKeyWithValue("name", "alice_2"))

			rec = do(http.MethodGet, "/v1/reservations/nope", "alice", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(decode(rec)).To(HaveKeyWithValue("code", BeNumerically("==", 2011)))
		})

		It("requires an operator to create", func() {
			body := `{"start_time":"2026-03-02T11:00:00Z","duration":60,"node_cnt":2,"users":"alice"}`
			Expect(do(http.MethodPost, "/v1/reservations", "alice", body).Code).To(Equal(http.StatusForbidden))
			Expect(b.created).To(BeNil())

			rec := do(http.MethodPost, "/v1/reservations", "root", body)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(b.created).NotTo(BeNil())
			Expect(*b.created.Duration).To(Equal(uint32(60)))
			Expect(*b.created.NodeCnt).To(Equal(uint32(2)))
			Expect(*b.created.Users).To(Equal("alice"))
		})

		It("takes the update target from the path", func() {
			rec := do(http.MethodPut, "/v1/reservations/maint", "root", `{"name":"other","flags":1}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(b.updated.Name).To(Equal("maint"))
			Expect(*b.updated.Flags).To(Equal(uint16(1)))
		})

		It("deletes", func() {
			Expect(do(http.MethodDelete, "/v1/reservations/maint", "root", "").Code).To(Equal(http.StatusNoContent))
			Expect(b.deleted).To(Equal("maint"))
		})

		It("reports store errors with their code", func() {
			b.err = errors.Wrap(resv.ErrReservationBusy, "reservation maint")
			rec := do(http.MethodDelete, "/v1/reservations/maint", "root", "")
			Expect(rec.Code).To(Equal(http.StatusConflict))
			m := decode(rec)
			Expect(m).To(HaveKeyWithValue("code", BeNumerically("==", 2012)))
			Expect(m["error"]).To(ContainSubstring("reservation is in use"))
		})

		It("rejects a malformed body", func() {
			Expect(do(http.MethodPost, "/v1/reservations", "root", `{"duration":"x"`).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("jobs", func() {
		It("submits as the caller unless an operator names a user", func() {
			rec := do(http.MethodPost, "/v1/jobs", "alice", `{"name":"sim","user":"bob","reservation":"r1"}`)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(b.submitted.User).To(Equal("alice"))
			Expect(decode(rec)).To(HaveKeyWithValue("reservation", "r1"))

			Expect(do(http.MethodPost, "/v1/jobs", "root", `{"name":"sim","user":"bob"}`).Code).To(Equal(http.StatusCreated))
			Expect(b.submitted.User).To(Equal("bob"))
		})

		It("maps access errors on submit", func() {
			b.err = errors.Wrap(resv.ErrReservationAccess, "job for bob")
			Expect(do(http.MethodPost, "/v1/jobs", "bob", `{"reservation":"r1"}`).Code).To(Equal(http.StatusForbidden))
		})

		It("sets job state", func() {
			rec := do(http.MethodPut, "/v1/jobs/7/state", "root", `{"state":"running"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(b.jobState).To(Equal("RUNNING"))

			Expect(do(http.MethodPut, "/v1/jobs/x/state", "root", `{"state":"running"}`).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPut, "/v1/jobs/7/state", "root", `{}`).Code).To(Equal(http.StatusBadRequest))
		})

		It("tests a job against its reservation", func() {
			rec := do(http.MethodGet, "/v1/jobs/7/resv-test?when=2026-03-02T12:00:00Z&move=true", "alice", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(b.testWhen).To(BeTemporally("==", time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)))
			Expect(b.testMove).To(BeTrue())
			Expect(decode(rec)).To(HaveKeyWithValue("node_list", "n[1-2]"))

			Expect(do(http.MethodGet, "/v1/jobs/7/resv-test?when=noon", "alice", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("reports a missing job", func() {
			b.err = errors.Wrap(ErrNotFound, "job 9")
			Expect(do(http.MethodGet, "/v1/jobs/9/resv-test", "alice", "").Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("nodes", func() {
		It("lets operators change node state", func() {
			Expect(do(http.MethodPut, "/v1/nodes/n3/state", "alice", `{"state":"down"}`).Code).To(Equal(http.StatusForbidden))
			Expect(do(http.MethodPut, "/v1/nodes/n3/state", "root", `{"state":"down","reason":"psu"}`).Code).To(Equal(http.StatusNoContent))
			Expect(b.nodeState).To(Equal("n3=down"))
		})
	})
})

var _ = DescribeTable("StatusOf",
	func(err error, status int) {
		Expect(StatusOf(err)).To(Equal(status))
	},
	Entry("nil", nil, http.StatusOK),
	Entry("access", resv.ErrReservationAccess, http.StatusForbidden),
	Entry("overlap", errors.Wrap(resv.ErrReservationOverlap, "x"), http.StatusConflict),
	Entry("nodes busy", resv.ErrNodesBusy, http.StatusConflict),
	Entry("invalid reservation", resv.ErrReservationInvalid, http.StatusNotFound),
	Entry("invalid time", resv.ErrInvalidTimeValue, http.StatusBadRequest),
	Entry("no default partition", resv.ErrDefaultPartitionNotSet, http.StatusBadRequest),
	Entry("not supported", resv.ErrNotSupported, http.StatusNotImplemented),
	Entry("state version", resv.ErrStateVersion, http.StatusInternalServerError),
	Entry("bad request", ErrBadRequest, http.StatusBadRequest),
	Entry("unknown", errors.New("boom"), http.StatusInternalServerError),
)
