package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func ptr[T any](v T) *T { return &v }

func fixtureRecords() []gaze.Record {
	base := time.Unix(1700000000, 0)
	return []gaze.Record{
		gaze.SampleRecord(gaze.Sample{
			Timestamp: base, X: ptr(10.0), Y: ptr(20.0), Fix: ptr("true"), State: ptr("7"),
			LeftPupil: ptr(21.5), RightPupil: ptr(22.0), DeviceTime: ptr(base.Add(-3 * time.Millisecond)),
		}),
		gaze.MessageRecord(gaze.ControlMessage{Timestamp: base.Add(10 * time.Millisecond), Text: "IMAGE a.jpg ON"}),
		gaze.SampleRecord(gaze.Sample{Timestamp: base.Add(20 * time.Millisecond), State: ptr("0")}),
		gaze.MessageRecord(gaze.ControlMessage{Timestamp: base.Add(30 * time.Millisecond), Text: `quoted, "text"`}),
	}
}

func writeAll(t *testing.T, s Sink, records []gaze.Record) {
	t.Helper()
	require.NoError(t, s.Open())
	for _, r := range records {
		require.NoError(t, s.Write(r))
	}
	require.NoError(t, s.Close())
}

func TestMemory_Lifecycle(t *testing.T) {
	m := NewMemory()
	r := fixtureRecords()[0]

	assert.ErrorIs(t, m.Write(r), ErrNotOpen)
	require.NoError(t, m.Open())
	require.NoError(t, m.Write(r))

	boom := errors.New("disk full")
	m.FailWrites(boom)
	assert.ErrorIs(t, m.Write(r), boom)
	m.FailWrites(nil)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Write(r), ErrClosed)
	assert.ErrorIs(t, m.Open(), ErrClosed)
	assert.True(t, m.Closed())
	assert.Equal(t, 1, m.Len())
	assert.Len(t, m.Records(), 1)
}

func TestCSV_WritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	s := NewCSVWriter(&buf)
	writeAll(t, s, fixtureRecords())
	assert.Equal(t, 4, s.Rows())

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, gaze.Header, rows[0])
	assert.Equal(t, []string{"1700000000.000000", "10", "20", "true", "7", "21.5", "22", ""}, rows[1])
	assert.Equal(t, []string{"1700000000.010000", "", "", "", "", "", "", "IMAGE a.jpg ON"}, rows[2])
	assert.Equal(t, `quoted, "text"`, rows[4][7])
}

func TestCSV_Lifecycle(t *testing.T) {
	s := NewCSVWriter(&bytes.Buffer{})
	r := fixtureRecords()[0]

	assert.ErrorIs(t, s.Write(r), ErrNotOpen)
	require.NoError(t, s.Open())
	require.NoError(t, s.Open(), "Open is idempotent")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")
	assert.ErrorIs(t, s.Write(r), ErrClosed)
	assert.ErrorIs(t, s.Open(), ErrClosed)
}

func TestCSV_CloseWithoutOpen(t *testing.T) {
	s := NewCSV(filepath.Join(t.TempDir(), "never.csv"))
	assert.NoError(t, s.Close())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing is created without Open")
}

func TestCSV_FileRoundTrip(t *testing.T) {
	for _, name := range []string{"run.csv", "run.csv.gz", "run.csv.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			writeAll(t, NewCSV(path), fixtureRecords())

			got, err := ReadCSV(path)
			require.NoError(t, err)

			want := fixtureRecords()
			// the CSV layout has no device time column
			want[0].Sample.DeviceTime = nil
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("ReadCSV() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCSV_CompressedOutputIsNotPlainText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv.gz")
	writeAll(t, NewCSV(path), fixtureRecords())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("timestamp,x,y")))
	assert.Equal(t, []byte{0x1f, 0x8b}, data[:2])
}

func TestCSV_OpenFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := NewCSV(filepath.Join(blocker, "out.csv")).Open()
	assert.Error(t, err)
}

func TestReadCSV_Errors(t *testing.T) {
	dir := t.TempDir()

	badHeader := filepath.Join(dir, "header.csv")
	require.NoError(t, os.WriteFile(badHeader, []byte("a,b,c,d,e,f,g,h\n"), 0o644))
	_, err := ReadCSV(badHeader)
	assert.ErrorContains(t, err, "unexpected header")

	badRow := filepath.Join(dir, "row.csv")
	content := strings.Join(gaze.Header, ",") + "\nnot-a-time,,,,,,,\n"
	require.NoError(t, os.WriteFile(badRow, []byte(content), 0o644))
	_, err = ReadCSV(badRow)
	assert.ErrorContains(t, err, "line 2")

	_, err = ReadCSV(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestWriteError(t *testing.T) {
	cause := errors.New("disk full")
	werr := &WriteError{Record: fixtureRecords()[1], Err: cause}

	assert.ErrorIs(t, werr, cause)
	assert.Contains(t, werr.Error(), "message record")
	assert.Contains(t, werr.Error(), "disk full")
}

func TestSQLite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gaze.db")
	s := NewSQLite(path, "127.0.0.1:6555")

	require.NoError(t, s.Open())
	require.NotNil(t, s.DB())
	for _, r := range fixtureRecords() {
		require.NoError(t, s.Write(r))
	}

	live, err := s.Records(context.Background(), s.SessionID())
	require.NoError(t, err)
	if diff := cmp.Diff(fixtureRecords(), live); diff != "" {
		t.Errorf("Records() mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(fixtureRecords()[0]), ErrClosed)

	loaded, err := LoadSQLite(context.Background(), path, "")
	require.NoError(t, err)
	if diff := cmp.Diff(fixtureRecords(), loaded); diff != "" {
		t.Errorf("LoadSQLite() mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLite_SessionsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gaze.db")
	recs := fixtureRecords()

	first := NewSQLite(path, "tracker-a")
	writeAll(t, first, recs[:1])

	second := NewSQLite(path, "tracker-b")
	second.now = func() time.Time { return time.Now().Add(time.Hour) }
	writeAll(t, second, recs[1:])
	assert.NotEqual(t, first.SessionID(), second.SessionID())

	sessions, err := ListSessions(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.SessionID(), sessions[0].ID)
	assert.Equal(t, "tracker-a", sessions[0].Device)
	assert.Equal(t, int64(1), sessions[0].RecordCount)
	assert.Equal(t, int64(3), sessions[1].RecordCount)
	require.NotNil(t, sessions[1].EndedAt)

	got, err := LoadSQLite(context.Background(), path, first.SessionID())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	latest, err := LoadSQLite(context.Background(), path, "")
	require.NoError(t, err)
	assert.Len(t, latest, 3, "empty session selects the most recent one")
}

func TestSQLite_WriteBeforeOpen(t *testing.T) {
	s := NewSQLite(filepath.Join(t.TempDir(), "gaze.db"), "")
	assert.ErrorIs(t, s.Write(fixtureRecords()[0]), ErrNotOpen)
	_, err := s.Records(context.Background(), s.SessionID())
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, s.Close())
}

func TestLoadSQLite_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	_, err := LoadSQLite(context.Background(), path, "")
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "reading must not create the database")
}
