package resv

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/dis"
	"github.com/opentorque/resv/internal/statefile"
)

// StateFile is the reservation state file name inside the state directory.
const StateFile = "resv_state"

// stateVersion tags the record layout. Bump it when fields change.
const stateVersion = "VER003"

// Dump encodes every reservation: a header of version, snapshot time and
// id high-water mark, then one record per reservation.
func (s *Store) Dump() ([]byte, error) {
	var buf bytes.Buffer
	w := dis.NewWriter(&buf)
	if err := w.WriteString(stateVersion); err != nil {
		return nil, err
	}
	if err := w.WriteTime(s.opts.Now()); err != nil {
		return nil, err
	}
	if err := w.WriteUint(uint64(s.topSuffix)); err != nil {
		return nil, err
	}
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		if err := writeResv(w, el.Value); err != nil {
			return nil, errors.Wrapf(err, "encode reservation %s", el.Value.Name)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeResv(w *dis.Writer, r *Reservation) error {
	steps := []func() error{
		func() error { return w.WriteString(r.AccountString()) },
		func() error { return w.WriteTime(r.EndTime) },
		func() error { return w.WriteString(r.Features) },
		func() error { return w.WriteString(r.Licenses) },
		func() error { return w.WriteString(r.Name) },
		func() error { return w.WriteUint(uint64(r.NodeCnt)) },
		func() error { return w.WriteString(r.NodeList) },
		func() error { return w.WriteString(r.Partition) },
		func() error { return w.WriteTime(r.StartFirst) },
		func() error { return w.WriteUint(uint64(r.Flags)) },
		func() error { return w.WriteString(r.UserString()) },
		func() error { return w.WriteString(r.AssocString()) },
		func() error { return w.WriteUint(uint64(r.CPUCnt)) },
		func() error { return w.WriteUint(uint64(r.ID)) },
		func() error { return w.WriteTime(r.StartPrev) },
		func() error { return w.WriteTime(r.StartTime) },
		func() error { return w.WriteUint(uint64(r.Duration)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// storedResv is a record as read back, before its names are resolved.
type storedResv struct {
	r        *Reservation
	accounts string
	users    string
	assocs   string
}

func readResv(rd *dis.Reader) (*storedResv, error) {
	sr := &storedResv{r: &Reservation{}}
	r := sr.r
	var nodeCnt uint32

	str := func(dst *string) func() error {
		return func() (e error) { *dst, e = rd.ReadString(); return }
	}
	tm := func(dst *time.Time) func() error {
		return func() (e error) { *dst, e = rd.ReadTime(); return }
	}
	u32 := func(dst *uint32) func() error {
		return func() (e error) { *dst, e = rd.ReadUint32(); return }
	}
	steps := []func() error{
		str(&sr.accounts),
		tm(&r.EndTime),
		str(&r.Features),
		str(&r.Licenses),
		str(&r.Name),
		u32(&nodeCnt),
		str(&r.NodeList),
		str(&r.Partition),
		tm(&r.StartFirst),
		func() (e error) { r.Flags, e = rd.ReadUint16(); return },
		str(&sr.users),
		str(&sr.assocs),
		u32(&r.CPUCnt),
		u32(&r.ID),
		tm(&r.StartPrev),
		tm(&r.StartTime),
		u32(&r.Duration),
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	r.NodeCnt = int(nodeCnt)
	return sr, nil
}

// Load replaces the store's contents with the encoded state in data. A
// version mismatch leaves the store empty and requests a save in the
// current format. A truncated record keeps the records before it and
// returns ErrIncompleteState.
func (s *Store) Load(data []byte) error {
	s.resvs = orderedmap.NewOrderedMap[string, *Reservation]()
	s.lastUpdate = s.opts.Now()

	rd := dis.NewReader(bytes.NewReader(data))
	ver, err := rd.ReadString()
	if err != nil || ver != stateVersion {
		s.log.Error("Can not recover reservation state, data version incompatible",
			zap.String("version", ver))
		s.requestSave()
		return errors.Wrapf(ErrStateVersion, "version %q", ver)
	}
	if _, err := rd.ReadTime(); err != nil {
		s.validateAll(nil)
		return errors.Wrap(ErrIncompleteState, err.Error())
	}
	top, err := rd.ReadUint32()
	if err != nil {
		s.validateAll(nil)
		return errors.Wrap(ErrIncompleteState, err.Error())
	}
	s.topSuffix = top

	var loaded []*storedResv
	for rd.More() {
		sr, err := readResv(rd)
		if err != nil {
			s.log.Error("Incomplete reservation data checkpoint file", zap.Error(err))
			s.validateAll(loaded)
			return errors.Wrap(ErrIncompleteState, err.Error())
		}
		s.log.Info("Recovered state of reservation", zap.String("name", sr.r.Name))
		loaded = append(loaded, sr)
	}
	s.validateAll(loaded)
	s.log.Info("Recovered state of reservations", zap.Int("count", s.resvs.Len()))
	return nil
}

// validateOne resolves a loaded record's names against current
// configuration.
func (s *Store) validateOne(sr *storedResv) error {
	r := sr.r
	if r.Name == "" {
		return errors.New("reservation without name")
	}
	if r.Partition != "" {
		p, ok := s.deps.Partitions.Find(r.Partition)
		if !ok {
			return errors.Wrapf(ErrInvalidPartitionName, "partition %s", r.Partition)
		}
		r.part = p
	}
	var err error
	if r.Accounts, err = s.buildAccountList(sr.accounts); err != nil {
		return err
	}
	if r.Licenses != "" {
		if r.LicenseList, err = s.validateLicenses(r.Licenses); err != nil {
			return err
		}
	}
	if r.Users, err = s.buildUIDList(sr.users); err != nil {
		return err
	}
	r.Assocs = parseAssocString(sr.assocs)
	if r.NodeList != "" {
		b, err := s.deps.Nodes.NamesToBitmap(r.NodeList)
		if err != nil {
			return errors.Wrapf(ErrInvalidNodeName, "nodes %s", r.NodeList)
		}
		r.NodeBitmap = b
	}
	return nil
}

// validateAll admits the loaded records that resolve, purging the rest,
// raises topSuffix to the highest name suffix seen, and drops job links
// to reservations that no longer exist.
func (s *Store) validateAll(loaded []*storedResv) {
	for _, sr := range loaded {
		r := sr.r
		if r.Accounts == nil {
			r.Accounts = NewNameSet[string]()
		}
		if r.Users == nil {
			r.Users = NewNameSet[uint32]()
		}
		if err := s.validateOne(sr); err != nil {
			s.log.Error("Purging invalid reservation record", zap.String("name", r.Name), zap.Error(err))
			s.postDelete(r)
			s.clearJobResv(r)
			continue
		}
		s.add(r)
	}
	s.Revalidate()
}

// Revalidate re-resolves associations and job links after configuration
// changes.
func (s *Store) Revalidate() {
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		r := el.Value
		if err := s.setAssocList(r); err != nil {
			s.log.Error("Reservation associations not resolved", zap.String("name", r.Name), zap.Error(err))
		}
		if i := strings.LastIndexByte(r.Name, '_'); i >= 0 {
			if n, err := strconv.ParseUint(r.Name[i+1:], 10, 32); err == nil && uint32(n) > s.topSuffix {
				s.topSuffix = uint32(n)
			}
		}
	}
	for _, j := range s.deps.Jobs.Jobs() {
		if j.ResvName == "" {
			continue
		}
		if r, ok := s.resvs.Get(j.ResvName); ok {
			j.ResvID = r.ID
			continue
		}
		s.log.Error("Job linked to defunct reservation",
			zap.Uint32("job", j.ID), zap.String("reservation", j.ResvName))
		j.ClearResv()
	}
}

// LoadFile recovers state from dir. A missing state file leaves the store
// empty and is not an error.
func (s *Store) LoadFile(dir string) error {
	data, path, err := statefile.Open(dir, StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Info("No reservation state file to recover", zap.String("dir", dir))
			return nil
		}
		return err
	}
	s.log.Info("Recovering reservation state", zap.String("path", path))
	return s.Load(data)
}

// SaveFile encodes the store and writes it to dir.
func (s *Store) SaveFile(dir string) error {
	data, err := s.Dump()
	if err != nil {
		return err
	}
	return statefile.Save(dir, StateFile, data)
}
