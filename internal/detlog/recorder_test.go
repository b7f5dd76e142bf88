package detlog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/ratelimit"
)

type memStore struct {
	entries []Entry
	err     error
}

func (m *memStore) Append(e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

type fakeEvidence struct {
	samples  int
	invalids int
	err      error
}

func (f *fakeEvidence) SaveSample(Finding) ([]string, error) {
	f.samples++
	return []string{"sample.jpg", "sample.txt"}, f.err
}

func (f *fakeEvidence) SaveInvalid(Finding) ([]string, error) {
	f.invalids++
	return []string{"roi.jpg"}, f.err
}

func finding(label string, valid bool) Finding {
	return Finding{
		Camera:    "gate-1",
		Time:      time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC),
		Detection: detect.Detection{Label: label},
		Value:     "CSQU3054383",
		Valid:     valid,
	}
}

func TestRecorderGatesValidFindings(t *testing.T) {
	store := &memStore{}
	ev := &fakeEvidence{}
	r := NewRecorder(store, ratelimit.New(), ev)

	var got []bool
	for i := 0; i < 4; i++ {
		ok, err := r.Record(finding("cn-11", true))
		require.NoError(t, err)
		got = append(got, ok)
	}

	require.Equal(t, []bool{true, true, true, false}, got)
	require.Len(t, store.entries, 3)
	require.Equal(t, 3, ev.samples)
	require.Equal(t, []string{"sample.jpg", "sample.txt"}, store.entries[0].ImagePaths)
	require.Equal(t, "gate-1", store.entries[0].Camera)
}

func TestRecorderInvalidUsesRegionEvidence(t *testing.T) {
	store := &memStore{}
	ev := &fakeEvidence{}
	r := NewRecorder(store, nil, ev)

	ok, err := r.Record(finding("iso-type", false))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, ev.invalids)
	require.False(t, store.entries[0].Valid)
	require.Equal(t, []string{"roi.jpg"}, store.entries[0].ImagePaths)
}

func TestRecorderPropagatesFailures(t *testing.T) {
	boom := errors.New("disk full")

	t.Run("store", func(t *testing.T) {
		r := NewRecorder(&memStore{err: boom}, nil, nil)
		ok, err := r.Record(finding("cn-11", true))
		require.False(t, ok)
		var pe *PersistenceError
		require.True(t, errors.As(err, &pe))
		require.ErrorIs(t, err, boom)
	})

	t.Run("evidence", func(t *testing.T) {
		store := &memStore{}
		r := NewRecorder(store, nil, &fakeEvidence{err: boom})
		_, err := r.Record(finding("cn-11", true))
		require.ErrorIs(t, err, boom)
		require.Empty(t, store.entries)
	})
}

func TestRecorderFailedWriteKeepsSlot(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	r := NewRecorder(store, ratelimit.New(), nil)

	for i := 0; i < 3; i++ {
		_, err := r.Record(finding("cn-11", true))
		require.Error(t, err)
	}

	store.err = nil
	var got []bool
	for i := 0; i < 4; i++ {
		ok, err := r.Record(finding("cn-11", true))
		require.NoError(t, err)
		got = append(got, ok)
	}
	require.Equal(t, []bool{true, true, true, false}, got)
	require.Len(t, store.entries, 3)
}

func TestMultiStoreWritesAll(t *testing.T) {
	a, b := &memStore{}, &memStore{err: errors.New("b down")}
	c := &memStore{}

	err := MultiStore{a, b, c}.Append(Entry{Label: "cn-11"})
	require.EqualError(t, err, "b down")
	require.Len(t, a.entries, 1)
	require.Len(t, c.entries, 1)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "detections.db"))
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.Append(Entry{Time: at, Camera: "gate-1", Label: "cn-11", Value: "CSQU3054383", Valid: true, ImagePaths: []string{"a.jpg", "a.txt"}}))
	require.NoError(t, s.Append(Entry{Time: at.Add(time.Minute), Camera: "gate-2", Label: "iso-type", Value: "22G1"}))

	got, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "iso-type", got[0].Label)
	require.Nil(t, got[0].ImagePaths)
	require.Equal(t, "gate-1", got[1].Camera)
	require.True(t, got[1].Valid)
	require.True(t, at.Equal(got[1].Time))
	require.Equal(t, []string{"a.jpg", "a.txt"}, got[1].ImagePaths)
}
