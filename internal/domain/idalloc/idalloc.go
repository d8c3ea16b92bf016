// Package idalloc hands out the two identifier kinds of the clinic:
// sequential patient ids backed by a shared counter record, and short random
// medicine ids checked against the ids already in use.
package idalloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/clinic/clinic/internal/platform/store"
)

// CounterPath is where the patient counter record lives.
const CounterPath = "metadata/patients"

const (
	patientPrefix = "PAT-"

	MinMedicineID = 100
	MaxMedicineID = 999
)

var (
	ErrIDSpaceExhausted = errors.New("all medicine ids are in use")
	ErrInvalidPatientID = errors.New("invalid patient id")
)

// Counter is the metadata record the patient sequence is drawn from.
type Counter struct {
	LastPatientID int       `json:"lastPatientId"`
	PatientCount  int       `json:"patientCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// RecordsFunc returns the writes that create the records of a newly
// allocated patient id. Keys are absolute store paths.
type RecordsFunc func(id string) (map[string]any, error)

type Allocator struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Allocator {
	return &Allocator{store: s, now: time.Now}
}

// AllocatePatientID reserves the next patient id and commits the records
// built by records together with the counter bump, so an id is never
// handed out twice or skipped. An error from records aborts everything.
func (a *Allocator) AllocatePatientID(ctx context.Context, records RecordsFunc) (string, error) {
	var id string
	err := a.store.Transact(ctx, []string{CounterPath}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		var c Counter
		if snap := cur[CounterPath]; snap.Exists() {
			if err := snap.Decode(&c); err != nil {
				return nil, fmt.Errorf("read patient counter: %w", err)
			}
		}
		next := c.LastPatientID + 1
		id = FormatPatientID(next)

		writes, err := records(id)
		if err != nil {
			return nil, err
		}
		if writes == nil {
			writes = make(map[string]any, 1)
		}
		writes[CounterPath] = Counter{
			LastPatientID: next,
			PatientCount:  c.PatientCount + 1,
			LastUpdated:   a.now().UTC(),
		}
		return writes, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// FormatPatientID renders n as PAT-0001. Numbers past 9999 keep growing in
// width.
func FormatPatientID(n int) string {
	return fmt.Sprintf("%s%04d", patientPrefix, n)
}

// ParsePatientID is the inverse of FormatPatientID.
func ParsePatientID(s string) (int, error) {
	digits, ok := strings.CutPrefix(s, patientPrefix)
	if !ok || len(digits) < 4 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPatientID, s)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPatientID, s)
	}
	return n, nil
}

// ShortMedicineID draws uniformly from [100, 999] until it finds an id not
// in existing. intn may be nil, in which case math/rand/v2 is used.
func ShortMedicineID(existing map[int]bool, intn func(n int) int) (string, error) {
	if intn == nil {
		intn = rand.IntN
	}
	span := MaxMedicineID - MinMedicineID + 1

	taken := 0
	for id, ok := range existing {
		if ok && id >= MinMedicineID && id <= MaxMedicineID {
			taken++
		}
	}
	if taken >= span {
		return "", ErrIDSpaceExhausted
	}

	for {
		n := MinMedicineID + intn(span)
		if !existing[n] {
			return strconv.Itoa(n), nil
		}
	}
}

// ExistingIDs turns collection keys into the set ShortMedicineID expects.
// Keys that are not numbers are ignored.
func ExistingIDs(keys []string) map[int]bool {
	out := make(map[int]bool, len(keys))
	for _, k := range keys {
		if n, err := strconv.Atoi(k); err == nil {
			out[n] = true
		}
	}
	return out
}
