package resv

import (
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var errBad = errors.New("bad")

func resolveName(s string) (string, error) {
	if s == "" || s == "nobody" {
		return "", errors.Wrapf(ErrUserIDMissing, "user %q", s)
	}
	return s, nil
}

var _ = Describe("NameSet", func() {
	It("keeps insertion order and display names", func() {
		s := NewNameSet[uint32]()
		Expect(s.Add(1002, "bob")).To(BeTrue())
		Expect(s.Add(1001, "1001")).To(BeTrue())
		Expect(s.Add(1002, "robert")).To(BeFalse())
		Expect(s.String()).To(Equal("bob,1001"))
		Expect(s.First()).To(Equal("bob"))
		Expect(s.Keys()).To(Equal([]uint32{1002, 1001}))
	})

	It("treats nil as empty", func() {
		var s *NameSet[string]
		Expect(s.Len()).To(BeZero())
		Expect(s.Has("a")).To(BeFalse())
		Expect(s.String()).To(BeEmpty())
		Expect(s.Clone().Len()).To(BeZero())
	})

	It("clones independently", func() {
		s := NewNameSet[string]()
		s.Add("a", "a")
		c := s.Clone()
		c.Add("b", "b")
		Expect(s.Len()).To(Equal(1))
		Expect(c.String()).To(Equal("a,b"))
	})

	It("renders association ids with bracketing commas", func() {
		s := NewNameSet[uint32]()
		Expect(assocString(s)).To(BeEmpty())
		s.Add(3, "3")
		s.Add(12, "12")
		Expect(assocString(s)).To(Equal(",3,12,"))
		Expect(parseAssocString(",3,x,12,").Keys()).To(Equal([]uint32{3, 12}))
	})
})

var _ = Describe("applyDelta", func() {
	var set *NameSet[string]

	BeforeEach(func() {
		set = NewNameSet[string]()
		for _, n := range []string{"b", "c"} {
			set.Add(n, n)
		}
	})

	apply := func(spec string) error {
		return applyDelta(set, spec, resolveName, errBad)
	}

	It("replaces the set with a bare list", func() {
		Expect(apply("x,y,x")).To(Succeed())
		Expect(set.String()).To(Equal("x,y"))
	})

	It("clears the set with an empty list", func() {
		Expect(apply("")).To(Succeed())
		Expect(set.Len()).To(BeZero())
	})

	It("adds and removes", func() {
		Expect(apply("+a,-b")).To(Succeed())
		Expect(set.Keys()).To(ConsistOf("a", "c"))
	})

	It("ignores additions already present", func() {
		Expect(apply("+c")).To(Succeed())
		Expect(set.String()).To(Equal("b,c"))
	})

	It("fails removing an absent member", func() {
		Expect(apply("+a,-z")).To(MatchError(errBad))
	})

	It("fails on mixed forms", func() {
		Expect(apply("a,+b")).To(MatchError(errBad))
		Expect(apply("-b,a")).To(MatchError(errBad))
	})

	It("passes resolver errors through", func() {
		Expect(apply("+nobody")).To(MatchError(ErrUserIDMissing))
	})

	It("parses plain lists skipping empty tokens", func() {
		s, err := parseList("1,,2", func(t string) (uint32, error) {
			n, err := strconv.ParseUint(t, 10, 32)
			return uint32(n), err
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Keys()).To(Equal([]uint32{1, 2}))
	})
})

var _ = Describe("flags", func() {
	It("formats and parses names", func() {
		Expect(FlagString(FlagMaint | FlagDaily)).To(Equal("MAINT,DAILY"))
		f, ok := ParseFlags("maint,daily")
		Expect(ok).To(BeTrue())
		Expect(f).To(Equal(FlagMaint | FlagDaily))
		_, ok = ParseFlags("hourly")
		Expect(ok).To(BeFalse())
	})
})
