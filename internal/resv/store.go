package resv

import (
	"strconv"
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/acct"
	"github.com/opentorque/resv/internal/assoc"
	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/job"
)

// clockSkew is how far in the past a requested time may lie.
const clockSkew = 60 * time.Second

// Store holds every reservation, keyed by name in creation order.
type Store struct {
	resvs     *orderedmap.OrderedMap[string, *Reservation]
	topSuffix uint32

	deps    Deps
	opts    Options
	log     *zap.Logger
	chooser NodeChooser
	metrics Recorder
	acct    acct.Accounting

	saveRequested bool
	lastUpdate    time.Time
	overRun       time.Duration
}

// NewStore creates an empty store. Nil optional collaborators get defaults.
func NewStore(deps Deps, opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.IsOperator == nil {
		opts.IsOperator = func(uid uint32) bool { return uid == 0 }
	}
	s := &Store{
		resvs:   orderedmap.NewOrderedMap[string, *Reservation](),
		deps:    deps,
		opts:    opts,
		log:     log.Named("resv"),
		chooser: deps.Chooser,
		metrics: deps.Metrics,
		acct:    deps.Accounting,
	}
	if s.chooser == nil {
		s.chooser = LinearChooser{}
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.acct == nil {
		s.acct = acct.Nop{}
	}
	return s
}

// Find returns the reservation with the given name.
func (s *Store) Find(name string) (*Reservation, bool) {
	return s.resvs.Get(name)
}

// All returns reservations in creation order.
func (s *Store) All() []*Reservation {
	out := make([]*Reservation, 0, s.resvs.Len())
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Len returns the number of reservations.
func (s *Store) Len() int { return s.resvs.Len() }

// LastUpdate is when the reservation set last changed.
func (s *Store) LastUpdate() time.Time { return s.lastUpdate }

// SaveRequested reports whether state changed since the last save.
func (s *Store) SaveRequested() bool { return s.saveRequested }

// TakeSaveRequest clears and returns the save request.
func (s *Store) TakeSaveRequest() bool {
	req := s.saveRequested
	s.saveRequested = false
	return req
}

// RequestSave marks the state dirty without touching LastUpdate, so a
// failed write is retried on the next save pass.
func (s *Store) RequestSave() { s.saveRequested = true }

func (s *Store) requestSave() {
	s.saveRequested = true
	s.lastUpdate = s.opts.Now()
	s.metrics.Reservations(s.resvs.Len())
}

func (s *Store) add(r *Reservation) {
	s.resvs.Set(r.Name, r)
}

func (s *Store) remove(r *Reservation) {
	s.resvs.Delete(r.Name)
}

func (s *Store) idInUse(id uint32) bool {
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		if el.Value.ID == id {
			return true
		}
	}
	return false
}

// generateID advances topSuffix to the next id not held by a reservation,
// wrapping after maxResvID.
func (s *Store) generateID() {
	for {
		if s.topSuffix >= maxResvID {
			s.topSuffix = 1
		} else {
			s.topSuffix++
		}
		if !s.idInUse(s.topSuffix) {
			return
		}
	}
}

// generateName builds "<first account or user>_<id>".
func generateName(accounts, users string, id uint32) string {
	key := accounts
	if key == "" {
		key = users
	}
	if i := strings.IndexByte(key, ','); i >= 0 {
		key = key[:i]
	}
	return key + "_" + itoa(id)
}

// setCPUCnt sums the processors of the reservation's nodes.
func (s *Store) setCPUCnt(r *Reservation) {
	if r.NodeBitmap == nil {
		return
	}
	var cnt uint32
	for _, i := range r.NodeBitmap.Indices() {
		cnt += uint32(s.deps.Nodes.CPUs(i))
	}
	r.CPUCnt = cnt
}

// setAssocList resolves the association ids the reservation admits.
func (s *Store) setAssocList(r *Reservation) error {
	if !s.opts.AssocBased {
		return nil
	}
	assocs := NewNameSet[uint32]()
	enforce := s.opts.EnforceAssocs
	switch {
	case r.Users.Len() > 0 && r.Accounts.Len() > 0:
		for _, uid := range r.Users.Keys() {
			for _, account := range r.Accounts.Keys() {
				a := s.deps.Assocs.Lookup(uid, account, r.Partition)
				if a == nil {
					if enforce {
						s.log.Error("No association for user and account",
							zap.Uint32("uid", uid), zap.String("account", account))
						return errors.Wrapf(ErrInvalidAccount, "uid %d account %s", uid, account)
					}
					s.log.Debug("No association for user and account",
						zap.Uint32("uid", uid), zap.String("account", account))
					continue
				}
				assocs.Add(a.ID, itoa(a.ID))
			}
		}
	case r.Users.Len() > 0:
		for _, uid := range r.Users.Keys() {
			list := s.deps.Assocs.UserAssocs(uid)
			if len(list) == 0 && enforce {
				s.log.Error("No associations for user", zap.Uint32("uid", uid))
				return errors.Wrapf(ErrInvalidAccount, "uid %d", uid)
			}
			for _, a := range list {
				assocs.Add(a.ID, itoa(a.ID))
			}
		}
	case r.Accounts.Len() > 0:
		for _, account := range r.Accounts.Keys() {
			a := s.deps.Assocs.Lookup(assoc.NoUser, account, r.Partition)
			if a == nil {
				if enforce {
					s.log.Error("No association for account", zap.String("account", account))
					return errors.Wrapf(ErrInvalidAccount, "account %s", account)
				}
				s.log.Debug("No association for account", zap.String("account", account))
				continue
			}
			assocs.Add(a.ID, itoa(a.ID))
		}
	default:
		if enforce {
			s.log.Error("Reservation has neither users nor accounts", zap.String("reservation", r.Name))
			return errors.Wrapf(ErrInvalidAccount, "reservation %s", r.Name)
		}
	}
	r.Assocs = assocs
	return nil
}

// postCreate announces a reservation to accounting.
func (s *Store) postCreate(r *Reservation) {
	if err := s.acct.AddReservation(r.record(s.opts.ClusterName)); err != nil {
		s.log.Error("Accounting add failed", zap.String("reservation", r.Name), zap.Error(err))
	}
}

// postUpdate reports the fields that changed between old and r. A running
// reservation whose resources changed is split: the new record starts now.
func (s *Store) postUpdate(r, old *Reservation) {
	rec := &acct.ResvRecord{
		Cluster: s.opts.ClusterName,
		ID:      r.ID,
		Name:    r.Name,
	}
	changed := false

	if (old.Assocs.Len() == 0 && r.Assocs.Len() > 0) || old.AssocString() != r.AssocString() {
		assocs := r.AssocString()
		rec.Assocs = &assocs
		changed = true
	}
	if old.CPUCnt != r.CPUCnt {
		cpus := r.CPUCnt
		rec.CPUs = &cpus
		changed = true
	}
	if old.Flags != r.Flags {
		flags := uint32(r.Flags)
		rec.Flags = &flags
		changed = true
	}
	if old.NodeList != r.NodeList || !old.NodeBitmap.Equal(r.NodeBitmap) {
		nodes := r.NodeList
		rec.Nodes = &nodes
		rec.NodeIndex = r.NodeBitmap.Fmt()
		changed = true
	}

	now := s.opts.Now()
	if changed && r.StartTime.Before(now) {
		r.StartPrev = r.StartTime
		r.StartTime = now
	}
	rec.TimeStart = r.StartTime
	rec.TimeStartPrev = r.StartPrev
	rec.TimeEnd = r.EndTime
	if err := s.acct.ModifyReservation(rec); err != nil {
		s.log.Error("Accounting modify failed", zap.String("reservation", r.Name), zap.Error(err))
	}
}

// postDelete tells accounting the reservation is gone.
func (s *Store) postDelete(r *Reservation) {
	if err := s.acct.RemoveReservation(r.record(s.opts.ClusterName)); err != nil {
		s.log.Error("Accounting remove failed", zap.String("reservation", r.Name), zap.Error(err))
	}
}

// referencedBy reports whether j is linked to r.
func referencedBy(j *job.Job, r *Reservation) bool {
	return j.ResvName == r.Name || (j.ResvID != 0 && j.ResvID == r.ID)
}

// clearJobResv drops every job's link to r.
func (s *Store) clearJobResv(r *Reservation) {
	for _, j := range s.deps.Jobs.Jobs() {
		if !referencedBy(j, r) {
			continue
		}
		if !j.IsFinished() {
			s.log.Info("Job linked to removed reservation",
				zap.Uint32("job", j.ID), zap.String("reservation", r.Name))
		}
		j.ClearResv()
	}
}

// busy reports whether an unfinished job is linked to r.
func (s *Store) busy(r *Reservation) bool {
	for _, j := range s.deps.Jobs.Jobs() {
		if !j.IsFinished() && referencedBy(j, r) {
			return true
		}
	}
	return false
}

func (s *Store) logDesc(op string, d *Desc) {
	if !s.opts.DebugResv {
		return
	}
	fields := []zap.Field{zap.String("op", op), zap.String("name", d.Name)}
	if d.StartTime != nil {
		fields = append(fields, zap.Time("start", *d.StartTime))
	}
	if d.EndTime != nil {
		fields = append(fields, zap.Time("end", *d.EndTime))
	}
	if d.Duration != nil {
		fields = append(fields, zap.Uint32("duration", *d.Duration))
	}
	if d.Flags != nil {
		fields = append(fields, zap.String("flags", FlagString(*d.Flags)))
	}
	if d.NodeCnt != nil {
		fields = append(fields, zap.Uint32("node_cnt", *d.NodeCnt))
	}
	for _, f := range []struct {
		key string
		val *string
	}{
		{"nodes", d.NodeList},
		{"features", d.Features},
		{"partition", d.Partition},
		{"users", d.Users},
		{"accounts", d.Accounts},
		{"licenses", d.Licenses},
	} {
		if f.val != nil {
			fields = append(fields, zap.String(f.key, *f.val))
		}
	}
	s.log.Info("Reservation request", fields...)
}

// Create validates d and adds a new reservation. d.Name is filled in when
// a name is generated.
func (s *Store) Create(d *Desc) (r *Reservation, err error) {
	defer func() { s.metrics.Operation("create", err) }()
	s.logDesc("create", d)
	now := s.opts.Now()

	start := now
	if d.StartTime != nil {
		if d.StartTime.Before(now.Add(-clockSkew)) {
			s.log.Info("Reservation request has invalid start time", zap.Time("start", *d.StartTime))
			return nil, errors.Wrap(ErrInvalidTimeValue, "start time in the past")
		}
		start = *d.StartTime
	}
	var end time.Time
	var duration uint32
	switch {
	case d.EndTime != nil:
		if d.EndTime.Before(now.Add(-clockSkew)) {
			s.log.Info("Reservation request has invalid end time", zap.Time("end", *d.EndTime))
			return nil, errors.Wrap(ErrInvalidTimeValue, "end time in the past")
		}
		end = *d.EndTime
	case d.Duration != nil && *d.Duration == InfiniteDuration:
		end = start.Add(OneYear)
	case d.Duration != nil:
		duration = *d.Duration
		end = start.Add(time.Duration(duration) * time.Minute)
	default:
		end = InfiniteTime
	}
	if !start.Before(end) {
		return nil, errors.Wrap(ErrInvalidTimeValue, "start time not before end time")
	}

	r = &Reservation{
		Accounts:  NewNameSet[string](),
		Users:     NewNameSet[uint32](),
		Assocs:    NewNameSet[uint32](),
		StartTime: start,
		EndTime:   end,
		Duration:  duration,
	}
	if d.Flags != nil {
		r.Flags = *d.Flags & createFlags
	}
	if d.Features != nil {
		r.Features = *d.Features
	}

	if d.Partition != nil && *d.Partition != "" {
		p, ok := s.deps.Partitions.Find(*d.Partition)
		if !ok {
			s.log.Info("Reservation request has invalid partition", zap.String("partition", *d.Partition))
			return nil, errors.Wrapf(ErrInvalidPartitionName, "partition %s", *d.Partition)
		}
		r.Partition, r.part = p.Name, p
	}

	accounts := strOr(d.Accounts)
	users := strOr(d.Users)
	if accounts == "" && users == "" {
		s.log.Info("Reservation request lacks users or accounts")
		return nil, errors.Wrap(ErrInvalidAccount, "no users or accounts")
	}
	if accounts != "" {
		if r.Accounts, err = s.buildAccountList(accounts); err != nil {
			return nil, err
		}
	}
	if users != "" {
		if r.Users, err = s.buildUIDList(users); err != nil {
			return nil, err
		}
	}
	if r.Users.Len() == 0 && r.Accounts.Len() == 0 {
		s.log.Info("Reservation request has empty users and accounts")
		return nil, errors.Wrap(ErrInvalidAccount, "no users or accounts")
	}

	if lic := strOr(d.Licenses); lic != "" {
		if r.LicenseList, err = s.validateLicenses(lic); err != nil {
			return nil, err
		}
		r.Licenses = lic
	}

	nodeCnt := -1
	if d.NodeCnt != nil {
		nodeCnt = int(*d.NodeCnt)
	}
	nodeList := strOr(d.NodeList)
	if r.Licenses != "" && nodeCnt < 0 && nodeList == "" {
		nodeCnt = 0
	}

	switch {
	case nodeList != "":
		r.Flags |= FlagSpecNodes
		b, err := s.deps.Nodes.NamesToBitmap(nodeList)
		if err != nil {
			s.log.Info("Reservation request has invalid node list", zap.String("nodes", nodeList))
			return nil, errors.Wrapf(ErrInvalidNodeName, "nodes %s", nodeList)
		}
		if strings.EqualFold(nodeList, "ALL") {
			nodeList = s.deps.Nodes.BitmapToNames(b)
		}
		if s.resvOverlap(start, end, r.Flags, b, nil) {
			s.log.Info("Reservation request overlaps another")
			return nil, ErrReservationOverlap
		}
		if s.jobOverlap(start, r.Flags, b) {
			s.log.Info("Reservation request overlaps jobs")
			return nil, ErrNodesBusy
		}
		r.NodeBitmap, r.NodeList, r.NodeCnt = b, nodeList, b.Count()
	case nodeCnt < 0:
		s.log.Info("Reservation request lacks node specification")
		return nil, errors.Wrap(ErrInvalidNodeName, "no nodes requested")
	default:
		b, err := s.selectNodes(r, nodeCnt, nil)
		if err != nil {
			return nil, err
		}
		r.NodeBitmap, r.NodeCnt = b, nodeCnt
		r.NodeList = s.deps.Nodes.BitmapToNames(b)
	}

	if d.Name != "" {
		if _, dup := s.resvs.Get(d.Name); dup {
			s.log.Info("Reservation request name is a duplicate", zap.String("name", d.Name))
			return nil, errors.Wrapf(ErrReservationInvalid, "reservation %s exists", d.Name)
		}
	}
	r.StartFirst, r.StartPrev = r.StartTime, r.StartTime
	s.setCPUCnt(r)
	if err := s.setAssocList(r); err != nil {
		return nil, err
	}

	s.generateID()
	r.ID = s.topSuffix
	if d.Name != "" {
		r.Name = d.Name
	} else {
		for {
			r.Name = generateName(r.Accounts.String(), r.Users.String(), r.ID)
			if _, dup := s.resvs.Get(r.Name); !dup {
				break
			}
			s.generateID()
			r.ID = s.topSuffix
		}
		d.Name = r.Name
	}

	s.postCreate(r)
	s.add(r)
	s.requestSave()
	s.log.Info("Created reservation", zap.String("name", r.Name), zap.Uint32("id", r.ID),
		zap.String("nodes", r.NodeList), zap.Time("start", r.StartTime), zap.Time("end", r.EndTime))
	return r, nil
}

// Update applies d to the named reservation. The change is validated on a
// copy; on error the stored reservation is untouched.
func (s *Store) Update(d *Desc) (err error) {
	defer func() { s.metrics.Operation("update", err) }()
	s.logDesc("update", d)
	if d.Name == "" {
		return errors.Wrap(ErrReservationInvalid, "no reservation name")
	}
	old, ok := s.resvs.Get(d.Name)
	if !ok {
		s.log.Info("Update of unknown reservation", zap.String("name", d.Name))
		return errors.Wrapf(ErrReservationInvalid, "reservation %s", d.Name)
	}
	r := old.Clone()
	now := s.opts.Now()

	if d.Flags != nil {
		f := *d.Flags
		for _, p := range []struct{ set, clear uint16 }{
			{FlagMaint, FlagNoMaint},
			{FlagDaily, FlagNoDaily},
			{FlagWeekly, FlagNoWeekly},
			{FlagIgnJobs, FlagNoIgnJobs},
			{FlagLicOnly, FlagNoLicOnly},
		} {
			if f&p.set != 0 {
				r.Flags |= p.set
			}
			if f&p.clear != 0 {
				r.Flags &^= p.set
			}
		}
	}

	if d.Partition != nil {
		if *d.Partition == "" {
			r.Partition, r.part = "", nil
		} else {
			p, ok := s.deps.Partitions.Find(*d.Partition)
			if !ok {
				s.log.Info("Reservation update has invalid partition", zap.String("partition", *d.Partition))
				return errors.Wrapf(ErrInvalidPartitionName, "partition %s", *d.Partition)
			}
			r.Partition, r.part = p.Name, p
		}
	}

	if d.Accounts != nil {
		if err := s.updateAccountList(r, *d.Accounts); err != nil {
			return err
		}
	}

	if d.Licenses != nil {
		if *d.Licenses == "" {
			if (d.NodeCnt != nil && *d.NodeCnt == 0) || (d.NodeCnt == nil && r.NodeCnt == 0) {
				s.log.Info("Reservation update would leave nothing reserved", zap.String("name", r.Name))
				return errors.Wrap(ErrInvalidLicenses, "cannot clear licenses without nodes")
			}
			r.Licenses, r.LicenseList = "", nil
		} else {
			list, err := s.validateLicenses(*d.Licenses)
			if err != nil {
				return err
			}
			r.Licenses, r.LicenseList = *d.Licenses, list
		}
	}

	if d.Features != nil {
		if *d.Features != "" {
			s.log.Info("Reservation update of features not supported", zap.String("name", r.Name))
			return errors.Wrap(ErrNotSupported, "feature update")
		}
		r.Features = ""
	}

	if d.Users != nil {
		if err := s.updateUIDList(r, *d.Users); err != nil {
			return err
		}
	}
	if r.Users.Len() == 0 && r.Accounts.Len() == 0 {
		s.log.Info("Reservation update leaves no users or accounts", zap.String("name", r.Name))
		return errors.Wrap(ErrInvalidAccount, "no users or accounts")
	}

	if d.StartTime != nil {
		if d.StartTime.Before(now.Add(-clockSkew)) {
			return errors.Wrap(ErrInvalidTimeValue, "start time in the past")
		}
		r.StartPrev = r.StartTime
		r.StartTime, r.StartFirst = *d.StartTime, *d.StartTime
		if r.Duration != 0 {
			r.EndTime = r.StartFirst.Add(time.Duration(r.Duration) * time.Minute)
		}
	}
	if d.EndTime != nil {
		if d.EndTime.Before(now.Add(-clockSkew)) {
			return errors.Wrap(ErrInvalidTimeValue, "end time in the past")
		}
		r.EndTime = *d.EndTime
		r.Duration = 0
	}
	if d.Duration != nil {
		r.Duration = *d.Duration
		if r.Duration == InfiniteDuration {
			r.EndTime = r.StartFirst.Add(OneYear)
		} else {
			r.EndTime = r.StartFirst.Add(time.Duration(r.Duration) * time.Minute)
		}
	}
	if !r.StartTime.Before(r.EndTime) {
		return errors.Wrap(ErrInvalidTimeValue, "start time not before end time")
	}

	nodeCnt := -1
	if d.NodeCnt != nil {
		nodeCnt = int(*d.NodeCnt)
	}
	if d.NodeList != nil {
		if *d.NodeList == "" {
			r.Flags &^= FlagSpecNodes
			r.NodeList = ""
			r.NodeBitmap = bitmap.New(s.deps.Nodes.Count())
			if nodeCnt < 0 {
				nodeCnt = r.NodeCnt
			}
			r.NodeCnt = 0
		} else {
			b, err := s.deps.Nodes.NamesToBitmap(*d.NodeList)
			if err != nil {
				s.log.Info("Reservation update has invalid node list", zap.String("nodes", *d.NodeList))
				return errors.Wrapf(ErrInvalidNodeName, "nodes %s", *d.NodeList)
			}
			r.Flags |= FlagSpecNodes
			r.NodeBitmap = b
			r.NodeList = *d.NodeList
			if strings.EqualFold(r.NodeList, "ALL") {
				r.NodeList = s.deps.Nodes.BitmapToNames(b)
			}
			r.NodeCnt = b.Count()
		}
	}
	if nodeCnt >= 0 {
		if err := s.resize(r, nodeCnt); err != nil {
			return err
		}
	}

	if s.resvOverlap(r.StartTime, r.EndTime, r.Flags, r.NodeBitmap, old) {
		s.log.Info("Reservation update overlaps another", zap.String("name", r.Name))
		return ErrReservationOverlap
	}
	if s.jobOverlap(r.StartTime, r.Flags, r.NodeBitmap) {
		s.log.Info("Reservation update overlaps jobs", zap.String("name", r.Name))
		return ErrNodesBusy
	}
	s.setCPUCnt(r)
	if err := s.setAssocList(r); err != nil {
		return err
	}

	if old.MaintSetNode && (r.Flags&FlagMaint == 0 || !r.NodeBitmap.Equal(old.NodeBitmap)) {
		s.setNodesMaint(old, false)
		r.MaintSetNode = false
	}

	s.postUpdate(r, old)
	s.resvs.Set(r.Name, r)
	s.requestSave()
	s.log.Info("Updated reservation", zap.String("name", r.Name),
		zap.String("nodes", r.NodeList), zap.Time("start", r.StartTime), zap.Time("end", r.EndTime))
	return nil
}

// Delete removes the named reservation unless a job still uses it.
func (s *Store) Delete(name string) (err error) {
	defer func() { s.metrics.Operation("delete", err) }()
	if s.opts.DebugResv {
		s.log.Info("Reservation request", zap.String("op", "delete"), zap.String("name", name))
	}
	r, ok := s.resvs.Get(name)
	if !ok {
		s.log.Info("Delete of unknown reservation", zap.String("name", name))
		return errors.Wrapf(ErrReservationInvalid, "reservation %s", name)
	}
	if s.busy(r) {
		s.log.Info("Reservation in use, not deleted", zap.String("name", name))
		return errors.Wrapf(ErrReservationBusy, "reservation %s", name)
	}
	if r.MaintSetNode {
		r.MaintSetNode = false
		s.setNodesMaint(r, false)
	}
	s.postDelete(r)
	s.clearJobResv(r)
	s.remove(r)
	s.requestSave()
	s.log.Info("Deleted reservation", zap.String("name", name))
	return nil
}

// Show returns the reservations uid may see. With PrivateData set, users
// other than operators see only reservations naming them.
func (s *Store) Show(uid uint32) []Info {
	private := s.opts.PrivateData && !s.opts.IsOperator(uid)
	out := make([]Info, 0, s.resvs.Len())
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		r := el.Value
		if private && !r.Users.Has(uid) {
			continue
		}
		out = append(out, r.Info())
	}
	return out
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
