// Package journal is an append-only lifecycle audit journal based on files.
//
// Every ticket state transition is recorded as one JSON line, attributed to
// the acting process. The journal is tailable so operational tooling can
// follow transitions live.
package journal

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nxadm/tail"
)

// Event is one journal line.
type Event struct {
	Ts     int64  `json:"ts"` // nanoseconds
	Ticket string `json:"ticket"`
	Actor  string `json:"actor"`
	From   string `json:"from"`
	To     string `json:"to"`
	Note   string `json:"note,omitempty"`
}

type Journal struct {
	File     *os.File
	FilePath string
}

func New(filePath string) (j *Journal, err error) {
	j = &Journal{
		FilePath: filePath,
	}
	err = j.Open()

	return
}

func (j *Journal) Open() (err error) {
	err = os.MkdirAll(filepath.Dir(j.FilePath), 0755)
	if err != nil {
		return
	}

	j.File, err = os.OpenFile(j.FilePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	return
}

func (j *Journal) Close() (err error) {
	if j.File == nil {
		return
	}

	err = j.File.Close()
	if err != nil {
		return
	}

	j.File = nil

	return
}

// Record appends one lifecycle event. The timestamp is filled in here when
// the caller left it zero.
func (j *Journal) Record(ev Event) (err error) {
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixNano()
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	return j.WriteLine(string(b) + "\n")
}

func (j *Journal) WriteLine(s string) (err error) {
	_, err = j.File.WriteString(s)
	return
}

// ReadLastLine reads the last non-empty line of the journal
func (j *Journal) ReadLastLine() (s string, err error) {
	stat, err := j.File.Stat()
	if err != nil {
		return
	}

	// Since we don't know how many bytes the last line has, read the last
	// 1024 bytes and extract the last line based on \n
	var b []byte
	var off int64
	size := stat.Size()
	if size == 0 {
		return
	}
	if size < 1024 {
		b = make([]byte, size)
	} else {
		b = make([]byte, 1024)
		off = size - 1024
	}

	_, err = j.File.ReadAt(b, off)
	if err != nil {
		return
	}

	txt := strings.Trim(string(b), " \n")
	txts := strings.Split(txt, "\n")

	if len(txts) == 0 {
		return
	}

	s = txts[len(txts)-1]

	return
}

// ReadFirstLine reads the first non-empty line of the journal
func (j *Journal) ReadFirstLine() (s string, err error) {
	_, err = j.File.Seek(0, 0)
	if err != nil {
		return
	}

	reader := bufio.NewReader(j.File)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}

		line = strings.TrimSpace(line)
		if line != "" {
			s = line
			return s, nil
		}
	}

	return "", io.EOF
}

// Tailf continuously monitors new journal lines and passes them to the handler via chan
func (j *Journal) Tailf(ch chan<- string) (err error) {
	ta, err := tail.TailFile(j.FilePath, tail.Config{
		Follow:        true,
		ReOpen:        true,
		CompleteLines: true,
	})
	if err != nil {
		return
	}

	for line := range ta.Lines {
		if line.Err != nil {
			// If one line errors, exit and return the error. Skipping it
			// could reorder the audit trail for the reader.
			err = line.Err
			return
		}

		ch <- line.Text
	}

	return
}
