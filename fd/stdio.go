package fd

import (
	"time"

	"yekernel/defs"
	"yekernel/sbi"
)

// Stdin reads from the firmware console one byte at a time, spinning
// briefly when no byte is ready rather than busy-spinning the host CPU
// flat out.
type Stdin struct {
	con sbi.Console
}

// NewStdin wraps a console as a readable stdin file.
func NewStdin(con sbi.Console) *Stdin { return &Stdin{con: con} }

func (s *Stdin) Read(buf []byte) (int, defs.Err_t) {
	if len(buf) == 0 {
		return 0, 0
	}
	for {
		if b, ok := s.con.GetChar(); ok {
			buf[0] = b
			return 1, 0
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Stdin) Write(buf []byte) (int, defs.Err_t) { return 0, defs.UNWRITABLE }
func (s *Stdin) Seek(int64, int) (int64, defs.Err_t) { return 0, defs.UNSEEKABLE }
func (s *Stdin) Close() defs.Err_t { return 0 }

// Stdout writes to the firmware console.
type Stdout struct {
	con sbi.Console
}

// NewStdout wraps a console as a writable stdout/stderr file.
func NewStdout(con sbi.Console) *Stdout { return &Stdout{con: con} }

func (s *Stdout) Read(buf []byte) (int, defs.Err_t) { return 0, defs.UNREADABLE }
func (s *Stdout) Write(buf []byte) (int, defs.Err_t) {
	for _, c := range buf {
		s.con.PutChar(c)
	}
	return len(buf), 0
}
func (s *Stdout) Seek(int64, int) (int64, defs.Err_t) { return 0, defs.UNSEEKABLE }
func (s *Stdout) Close() defs.Err_t { return 0 }
