package ffi

import (
	"bytes"
	"fmt"

	"msg-gateway/remote"
)

// ASCII is null-terminated, null-free ASCII text owned by Go. Every call
// builds its own; nothing is shared between calls.
type ASCII []byte

// NewASCII validates s and copies it into a fresh terminated buffer.
func NewASCII(s string) (ASCII, error) {
	if err := CheckASCII(s); err != nil {
		return nil, err
	}
	out := make(ASCII, len(s)+1)
	copy(out, s)
	return out, nil
}

// String returns the text without its terminator.
func (a ASCII) String() string {
	if len(a) == 0 {
		return ""
	}
	return string(a[:len(a)-1])
}

// CheckASCII accepts only bytes 0x01 through 0x7f.
func CheckASCII(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 || s[i] > 0x7f {
			return fmt.Errorf("%w: byte 0x%02x at offset %d", ErrNotASCII, s[i], i)
		}
	}
	return nil
}

// ReadASCII reads a foreign text view: the bytes up to the first NUL. A nil
// view is a null argument.
func ReadASCII(view []byte) (string, error) {
	if view == nil {
		return "", ErrNullPassed
	}
	n := bytes.IndexByte(view, 0)
	if n < 0 {
		return "", ErrNoTerminator
	}
	s := string(view[:n])
	if err := CheckASCII(s); err != nil {
		return "", err
	}
	return s, nil
}

// UserRecord is the fixed layout of one roster entry. The name lives in the
// slice's backing buffer at [NameOff, NameOff+NameLen), followed by a NUL.
type UserRecord struct {
	NameOff   int
	NameLen   int
	SessionID int64
}

// UserSlice is a roster marshalled for one callback: the records plus one
// contiguous backing buffer holding every terminated name. It is valid for
// the duration of the call that built it.
type UserSlice struct {
	records []UserRecord
	backing []byte
}

// NewUserSlice keeps the order of users. Names must be ASCII.
func NewUserSlice(users []remote.User) (*UserSlice, error) {
	size := 0
	for _, u := range users {
		if err := CheckASCII(u.Nickname); err != nil {
			return nil, fmt.Errorf("user %d: %w", u.SessionID, err)
		}
		size += len(u.Nickname) + 1
	}

	s := &UserSlice{
		records: make([]UserRecord, len(users)),
		backing: make([]byte, 0, size),
	}
	for i, u := range users {
		s.records[i] = UserRecord{NameOff: len(s.backing), NameLen: len(u.Nickname), SessionID: u.SessionID}
		s.backing = append(s.backing, u.Nickname...)
		s.backing = append(s.backing, 0)
	}
	return s, nil
}

func (s *UserSlice) Len() int { return len(s.records) }

func (s *UserSlice) Records() []UserRecord { return s.records }

// Backing is the buffer the records' names point into.
func (s *UserSlice) Backing() []byte { return s.backing }

// Name returns the terminated view of record i's name.
func (s *UserSlice) Name(i int) []byte {
	r := s.records[i]
	return s.backing[r.NameOff : r.NameOff+r.NameLen+1]
}

// Users reads the slice back.
func (s *UserSlice) Users() []remote.User {
	out := make([]remote.User, len(s.records))
	for i, r := range s.records {
		out[i] = remote.User{Nickname: string(s.backing[r.NameOff : r.NameOff+r.NameLen]), SessionID: r.SessionID}
	}
	return out
}
