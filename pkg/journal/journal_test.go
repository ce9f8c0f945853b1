package journal_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"oems/pkg/journal"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	j, err := journal.New(filepath.Join(t.TempDir(), "journal/test.log"))
	require.Nil(t, err)
	defer j.Close()

	txt := "{this a hi}"
	err = j.WriteLine(txt + "\n")
	require.Nil(t, err)

	s, err := j.ReadLastLine()
	require.Nil(t, err)
	require.Equal(t, txt, s)
}

func TestRecordAndReadBack(t *testing.T) {
	j, err := journal.New(filepath.Join(t.TempDir(), "test.log"))
	require.Nil(t, err)
	defer j.Close()

	first := journal.Event{Ticket: "uid-1", Actor: "OMS_1", From: "NEW", To: "ACCEPTED"}
	last := journal.Event{Ticket: "uid-1", Actor: "EMS_GENERIC_1", From: "WORKING", To: "DONE", Note: "filled"}

	require.Nil(t, j.Record(first))
	require.Nil(t, j.Record(last))

	s, err := j.ReadFirstLine()
	require.Nil(t, err)
	var got journal.Event
	require.Nil(t, json.Unmarshal([]byte(s), &got))
	require.Equal(t, "ACCEPTED", got.To)
	require.NotZero(t, got.Ts)

	s, err = j.ReadLastLine()
	require.Nil(t, err)
	require.Nil(t, json.Unmarshal([]byte(s), &got))
	require.Equal(t, "DONE", got.To)
	require.Equal(t, "filled", got.Note)
}

func TestTailf(t *testing.T) {
	j, err := journal.New(filepath.Join(t.TempDir(), "test.log"))
	require.Nil(t, err)
	defer j.Close()

	ch := make(chan string, 16)
	go func() {
		_ = j.Tailf(ch)
	}()

	require.Nil(t, j.Record(journal.Event{Ticket: "uid-1", From: "NEW", To: "ACCEPTED"}))

	select {
	case line := <-ch:
		var got journal.Event
		require.Nil(t, json.Unmarshal([]byte(line), &got))
		require.Equal(t, "uid-1", got.Ticket)
	case <-time.After(5 * time.Second):
		t.Fatal("no tailed line within 5s")
	}
}
