package sysex

import (
	"bytes"
	"testing"
)

func split(s *Splitter, chunks ...[]byte) [][]byte {
	var out [][]byte
	for _, c := range chunks {
		s.Write(c, func(msg []byte) { out = append(out, append([]byte(nil), msg...)) })
	}
	return out
}

func expectChunks(t *testing.T, got [][]byte, want ...[]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d: % X", len(want), len(got), got)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("chunk %d: expected % X, got % X", i, want[i], got[i])
		}
	}
}

func TestSplitterSeparatesPackedMessages(t *testing.T) {
	got := split(&Splitter{}, []byte{0x90, 0x3C, 0x40, 0xC0, 0x05, 0xF8, 0x80, 0x3C, 0x00})
	expectChunks(t, got,
		[]byte{0x90, 0x3C, 0x40},
		[]byte{0xC0, 0x05},
		[]byte{0xF8},
		[]byte{0x80, 0x3C, 0x00},
	)
}

func TestSplitterJoinsMessagesAcrossReads(t *testing.T) {
	got := split(&Splitter{}, []byte{0x90, 0x3C}, []byte{0x40, 0xB0}, []byte{0x07, 0x64})
	expectChunks(t, got, []byte{0x90, 0x3C, 0x40}, []byte{0xB0, 0x07, 0x64})
}

func TestSplitterRealTimeInsideMessage(t *testing.T) {
	got := split(&Splitter{}, []byte{0x90, 0xF8, 0x3C, 0x40})
	expectChunks(t, got, []byte{0xF8}, []byte{0x90, 0x3C, 0x40})
}

func TestSplitterForwardsSysExFragments(t *testing.T) {
	s := &Splitter{}
	got := split(s, []byte{0xF0, 0x01, 0x02}, []byte{0x03, 0xF7, 0x90, 0x3C, 0x40})
	expectChunks(t, got,
		[]byte{0xF0, 0x01, 0x02},
		[]byte{0x03, 0xF7},
		[]byte{0x90, 0x3C, 0x40},
	)

	r := New(0, nil)
	var msgs [][]byte
	for _, c := range got {
		r.Feed(0, c, func(_ uint64, m []byte) { msgs = append(msgs, append([]byte(nil), m...)) })
	}
	expectChunks(t, msgs, []byte{0xF0, 0x01, 0x02, 0x03, 0xF7}, []byte{0x90, 0x3C, 0x40})
}

func TestSplitterGroupsRunningStatusData(t *testing.T) {
	got := split(&Splitter{}, []byte{0x90, 0x3C, 0x40, 0x3E, 0x40})
	expectChunks(t, got, []byte{0x90, 0x3C, 0x40}, []byte{0x3E, 0x40})
}

func TestSplitterDropsStrayData(t *testing.T) {
	got := split(&Splitter{}, []byte{0x01, 0x02, 0xFE})
	expectChunks(t, got, []byte{0xFE})
}

func TestSplitterResumesSysExAfterInterleavedMessage(t *testing.T) {
	got := split(&Splitter{}, []byte{0xF0, 0x01, 0x90, 0x3C}, []byte{0x40, 0x02, 0xF7})
	expectChunks(t, got,
		[]byte{0xF0, 0x01},
		[]byte{0x90, 0x3C, 0x40},
		[]byte{0x02, 0xF7},
	)

	r := New(0, nil)
	var msgs [][]byte
	for _, c := range got {
		r.Feed(0, c, func(_ uint64, m []byte) { msgs = append(msgs, append([]byte(nil), m...)) })
	}
	expectChunks(t, msgs, []byte{0x90, 0x3C, 0x40}, []byte{0xF0, 0x01, 0x02, 0xF7})
}

func TestSplitterDropsStrayTerminator(t *testing.T) {
	got := split(&Splitter{}, []byte{0xF7, 0x90, 0x3C, 0x40})
	expectChunks(t, got, []byte{0x90, 0x3C, 0x40})
}
