package util

import (
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

const (
	letterBytes   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	letterIdxBits = 6
	letterIdxMask = 1<<letterIdxBits - 1
	letterIdxMax  = 63 / letterIdxBits
)

// RandString is like RandBytes but returns string
func RandString(n int) string {
	return string(RandBytes(n))
}

// RandBytes gets random string of fixed length
func RandBytes(n int) []byte {
	b := make([]byte, n)
	for i, cache, remain := n-1, r.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = r.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			b[i] = letterBytes[idx]
			i--
		}
		cache >>= letterIdxBits
		remain--
	}

	return b
}

// Interrupt is used to signal program interruption
type Interrupt chan struct{}

// IsClosed checks if the channel is closed
func (i *Interrupt) IsClosed() bool {
	return IsStructChanClosed(*i)
}

// Close closes the channel only when it is not closed
func (i *Interrupt) Close() {
	if !i.IsClosed() {
		close(*i)
	}
}

// Wait blocks the calling goroutine till the channel is closed
func (i *Interrupt) Wait() {
	<-*i
}

// IsStructChanClosed checks whether a struct channel is closed
func IsStructChanClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
	}

	return false
}

// DecodeMap decodes a map to a struct with weak conversion.
// Default tagname is 'json'
func DecodeMap(srcMap interface{}, dest interface{}, tagName ...string) error {
	tn := "json"
	if len(tagName) > 0 {
		tn = tagName[0]
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           dest,
		TagName:          tn,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(srcMap)
}

// DecodeWithJSON is like DecodeMap but it marshals src and Unmarshal to dest using encode/json.
func DecodeWithJSON(src interface{}, dest interface{}) error {
	bz, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(bz, dest)
}

// StripControlChars removes CR, LF, TAB and NUL characters from a string
func StripControlChars(str string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '\t', 0:
			return -1
		}
		return r
	}, str)
}

// HasControlChars checks whether a string contains ASCII control characters
func HasControlChars(str string) bool {
	for _, r := range str {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
