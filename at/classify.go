package at

import (
	"bytes"
	"errors"
	"strconv"
)

// maxIPDHeader bounds the "<ch>,<len>:" part of a data frame header. Anything
// longer without a ':' is treated as garbage rather than waited on forever.
const maxIPDHeader = 16

// MaxDataLen is the largest payload the chip announces in one data frame.
const MaxDataLen = 2048

var (
	// ErrMalformedIPD is returned when a data frame marker is followed by
	// something that is not a valid channel/length header.
	ErrMalformedIPD = errors.New("malformed +IPD header")
)

// Frame describes the message found at the front of the receive stream.
type Frame struct {
	Category Category
	// Len is the number of bytes taken by the message, not counting the
	// payload of a data frame.
	Len       int
	Channel   int
	DataLen   int
	Link      LinkEvent
	Lifecycle LifecycleEvent
}

var linkPatterns = []struct {
	pattern []byte
	event   LinkEvent
}{
	{[]byte(WiFiConnected), LinkConnected},
	{[]byte(WiFiGotIP), LinkGotIP},
	{[]byte(WiFiDisconnected), LinkDisconnected},
}

var lifecyclePatterns = []struct {
	pattern []byte
	event   LifecycleEvent
}{
	{[]byte(ConnectFail), LifecycleConnectFail},
	{[]byte(Connect), LifecycleOpen},
	{[]byte(Closed), LifecycleClose},
}

// Classify identifies the unsolicited message at the front of data, in
// priority order: data frame, link notification, lifecycle notification.
//
// The channel of a data frame is decoded only when mux is set, otherwise it
// is DefaultChannel. CategoryPartial means data is the beginning of a known
// pattern and more bytes are needed. CategoryNone means data should be
// treated as a command reply fragment.
//
// A malformed data frame header is reported as ErrMalformedIPD together with
// a CategoryData frame whose Len covers only the marker.
func Classify(data []byte, mux bool) (Frame, error) {
	if bytes.HasPrefix(data, []byte(IPD)) {
		return parseIPD(data, mux)
	}
	if isPrefixOf(data, []byte(IPD)) {
		return Frame{Category: CategoryPartial}, nil
	}

	partial := false
	for _, p := range linkPatterns {
		if bytes.HasPrefix(data, p.pattern) {
			return Frame{Category: CategoryLink, Len: len(p.pattern), Link: p.event}, nil
		}
		partial = partial || isPrefixOf(data, p.pattern)
	}

	ch, off := DefaultChannel, 0
	if len(data) > 0 && isDigit(data[0]) {
		if len(data) == 1 {
			return Frame{Category: CategoryPartial}, nil
		}
		if data[1] == ',' {
			ch, off = int(data[0]-'0'), 2
		}
	}
	rest := data[off:]
	partial = partial || (off > 0 && len(rest) == 0)
	for _, p := range lifecyclePatterns {
		if bytes.HasPrefix(rest, p.pattern) {
			return Frame{
				Category:  CategoryLifecycle,
				Len:       off + len(p.pattern),
				Channel:   ch,
				Lifecycle: p.event,
			}, nil
		}
		partial = partial || isPrefixOf(rest, p.pattern)
	}

	if partial {
		return Frame{Category: CategoryPartial}, nil
	}
	return Frame{Category: CategoryNone}, nil
}

// DefaultChannel is the channel used when multiplexing is disabled.
const DefaultChannel = 0

func parseIPD(data []byte, mux bool) (Frame, error) {
	hdr := data[len(IPD):]
	end := bytes.IndexByte(hdr, IPDTerm)
	if end < 0 {
		if len(hdr) > maxIPDHeader {
			return Frame{Category: CategoryData, Len: len(IPD)}, ErrMalformedIPD
		}
		return Frame{Category: CategoryPartial}, nil
	}
	fields := hdr[:end]

	ch := DefaultChannel
	comma := bytes.IndexByte(fields, IPDSeparator)
	switch {
	case mux:
		if comma != 1 || !isDigit(fields[0]) {
			return Frame{Category: CategoryData, Len: len(IPD)}, ErrMalformedIPD
		}
		ch = int(fields[0] - '0')
		fields = fields[comma+1:]
	case comma == 1 && isDigit(fields[0]):
		// A channel tag in single connection mode is ignored.
		fields = fields[comma+1:]
	}

	n, err := strconv.Atoi(string(fields))
	if err != nil || n < 0 || n > MaxDataLen {
		return Frame{Category: CategoryData, Len: len(IPD)}, ErrMalformedIPD
	}

	return Frame{
		Category: CategoryData,
		Len:      len(IPD) + end + 1,
		Channel:  ch,
		DataLen:  n,
	}, nil
}

// isPrefixOf reports whether data is a proper, non-empty prefix of pattern.
func isPrefixOf(data, pattern []byte) bool {
	return len(data) > 0 && len(data) < len(pattern) && bytes.HasPrefix(pattern, data)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
