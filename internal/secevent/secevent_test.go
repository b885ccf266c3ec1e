package secevent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC)

type failingSink struct{ writes int }

func (f *failingSink) Write(Event) error { f.writes++; return errors.New("disk full") }
func (f *failingSink) Close() error      { return nil }

func TestEventLine(t *testing.T) {
	e := New(t0, MessageReplay, "sensor_data", "farm_sensor_01", "Replay attack detected: message too old")
	assert.Equal(t, "2024-03-01T12:00:00.250Z - MESSAGE_REPLAY: Replay attack detected: message too old\n", e.Line())
	assert.NotEmpty(t, e.ID)

	multi := New(t0, AnomalyDetection, "x", "", "line one\nline two\r")
	assert.Equal(t, 1, strings.Count(multi.Line(), "\n"))
	assert.Contains(t, multi.Line(), `line one\nline two\r`)
}

func TestKinds(t *testing.T) {
	assert.Len(t, Kinds(), 9)
	assert.True(t, MITMAttackDetected.Valid())
	assert.False(t, Kind("SOMETHING_ELSE").Valid())
}

func TestLog_AppendRecentSummary(t *testing.T) {
	l := NewLog(0)
	var seen []Kind
	l.Subscribe(func(e Event) { seen = append(seen, e.Kind) })

	require.NoError(t, l.Append(New(t0, UnsignedMessage, "a", "", "1")))
	require.NoError(t, l.Append(New(t0.Add(time.Second), MessageReplay, "a", "d", "2")))
	require.NoError(t, l.Append(New(t0.Add(2*time.Second), UnsignedMessage, "b", "", "3")))

	assert.Equal(t, []Kind{UnsignedMessage, MessageReplay, UnsignedMessage}, seen)

	all := l.Events()
	require.Len(t, all, 3)
	assert.Equal(t, "1", all[0].Details)
	assert.Equal(t, "3", all[2].Details)

	recent := l.Recent(2, "")
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].Details)
	assert.Equal(t, "3", recent[1].Details)

	unsigned := l.Recent(0, UnsignedMessage)
	require.Len(t, unsigned, 2)
	assert.Equal(t, "1", unsigned[0].Details)

	sum := l.Summary()
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.ByKind[UnsignedMessage])
	assert.Equal(t, 1, sum.ByKind[MessageReplay])
}

func TestLog_CapacityKeepsCounts(t *testing.T) {
	l := NewLog(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(New(t0, InvalidSignature, "s", "", string(rune('a'+i)))))
	}
	events := l.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "d", events[0].Details)
	assert.Equal(t, "e", events[1].Details)
	assert.Equal(t, 5, l.Summary().Total)
}

func TestLog_SinkFailureStillRecordsInMemory(t *testing.T) {
	sink := &failingSink{}
	l := NewLog(10, sink)
	err := l.Append(New(t0, UnsignedCommand, "commands", "", "x"))
	assert.Error(t, err)
	assert.Equal(t, 1, sink.writes)
	assert.Len(t, l.Events(), 1)
}

func TestFileSink_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "security_events.log")

	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	l := NewLog(10, sink)
	require.NoError(t, l.Append(New(t0, UnsignedMessage, "sensor_data", "", "Unsigned message received on secure channel")))
	require.NoError(t, l.Close())

	assert.ErrorIs(t, sink.Write(New(t0, UnsignedMessage, "", "", "late")), os.ErrClosed)

	sink, err = OpenFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Write(New(t0.Add(time.Minute), MITMAttackDetected, "mitm_data", "", "Message received via MITM relay")))
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"2024-03-01T12:00:00.250Z - UNSIGNED_MESSAGE: Unsigned message received on secure channel\n"+
			"2024-03-01T12:01:00.250Z - MITM_ATTACK_DETECTED: Message received via MITM relay\n",
		string(raw))
}

func TestSQLiteSink_QueryAndCount(t *testing.T) {
	sink, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer sink.Close() //nolint:errcheck

	l := NewLog(10, sink)
	require.NoError(t, l.Append(New(t0, InvalidSignature, "sensor_data", "farm_sensor_01", "first")))
	require.NoError(t, l.Append(New(t0.Add(time.Second), MessageReplay, "sensor_data", "farm_sensor_01", "second")))
	require.NoError(t, l.Append(New(t0.Add(2*time.Second), InvalidSignature, "commands", "admin_device", "third")))

	ctx := context.Background()

	all, err := sink.Query(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Details)
	assert.True(t, all[0].Timestamp.Equal(t0.Add(2*time.Second)))

	invalid, err := sink.Query(ctx, InvalidSignature, "", 10)
	require.NoError(t, err)
	assert.Len(t, invalid, 2)

	byDevice, err := sink.Query(ctx, "", "admin_device", 10)
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Equal(t, "commands", byDevice[0].Source)

	counts, err := sink.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{InvalidSignature: 2, MessageReplay: 1}, counts)
}

func TestSQLiteSink_OrdersWithinASecond(t *testing.T) {
	sink, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer sink.Close() //nolint:errcheck

	whole := time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)
	require.NoError(t, sink.Write(New(whole.Add(100*time.Millisecond), MessageReplay, "s", "", "later")))
	require.NoError(t, sink.Write(New(whole, MessageReplay, "s", "", "on the second")))
	require.NoError(t, sink.Write(New(whole.Add(-time.Nanosecond), MessageReplay, "s", "", "just before")))

	events, err := sink.Query(context.Background(), "", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "later", events[0].Details)
	assert.Equal(t, "on the second", events[1].Details)
	assert.Equal(t, "just before", events[2].Details)
	assert.True(t, events[1].Timestamp.Equal(whole))
	assert.True(t, events[2].Timestamp.Equal(whole.Add(-time.Nanosecond)))
}
