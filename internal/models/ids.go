package models

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"sync/atomic"
	"time"
)

var (
	idCounter atomic.Uint32
	idProcess [5]byte
	idRe      = regexp.MustCompile(`^[0-9a-f]{24}$`)
)

func init() {
	if _, err := rand.Read(idProcess[:]); err != nil {
		panic(err)
	}
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	idCounter.Store(binary.BigEndian.Uint32(seed[:]))
}

// NewID returns a 24 character hex id laid out like a BSON ObjectId:
// 4 bytes of unix seconds, 5 process-random bytes, 3 bytes of counter.
func NewID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	copy(b[4:9], idProcess[:])
	c := idCounter.Add(1)
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// IDPattern matches ids produced by NewID.
func IDPattern() *regexp.Regexp { return idRe }

// IsID reports whether s looks like an id produced by NewID.
func IsID(s string) bool { return idRe.MatchString(s) }
