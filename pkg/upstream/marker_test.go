package upstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkerScannerExtractsSingleGroup(t *testing.T) {
	s := &MarkerScanner{}
	text, groups := s.Scan("Try a navy coat [[REF:P1,P2]]")
	require.Equal(t, "Try a navy coat ", text)
	require.Equal(t, [][]string{{"P1", "P2"}}, groups)

	text, groups = s.Scan(" for autumn walks")
	require.Equal(t, " for autumn walks", text)
	require.Empty(t, groups)
}

func TestMarkerScannerSplitAcrossChunks(t *testing.T) {
	s := &MarkerScanner{}
	text, groups := s.Scan("pair it with [[RE")
	require.Equal(t, "pair it with ", text)
	require.Empty(t, groups)

	text, groups = s.Scan("F:S9]] and go")
	require.Equal(t, " and go", text)
	require.Equal(t, [][]string{{"S9"}}, groups)
}

func TestMarkerScannerHoldsBackOpenPrefix(t *testing.T) {
	s := &MarkerScanner{}
	text, groups := s.Scan("hello [[")
	require.Equal(t, "hello ", text)
	require.Empty(t, groups)
	require.Equal(t, "[[", s.Flush())
}

func TestMarkerScannerMultipleGroupsInOneChunk(t *testing.T) {
	s := &MarkerScanner{}
	text, groups := s.Scan("a [[REF:P1]] b [[REF:P2, P3]] c")
	require.Equal(t, "a  b  c", text)
	require.Equal(t, [][]string{{"P1"}, {"P2", "P3"}}, groups)
}

func TestMarkerScannerEmptyGroupDropped(t *testing.T) {
	s := &MarkerScanner{}
	text, groups := s.Scan("done [[REF:]] really")
	require.Equal(t, "done  really", text)
	require.Empty(t, groups)
}

func TestMarkerScannerUnterminatedMarkerFlushesAsText(t *testing.T) {
	s := &MarkerScanner{}
	long := "[[REF:" + strings.Repeat("x", maxMarkerLen)
	text, groups := s.Scan(long)
	require.Equal(t, long, text)
	require.Empty(t, groups)
	require.Empty(t, s.Flush())
}

func TestMarkerScannerFlushReturnsDanglingMarker(t *testing.T) {
	s := &MarkerScanner{}
	text, groups := s.Scan("tail [[REF:P7")
	require.Equal(t, "tail ", text)
	require.Empty(t, groups)
	require.Equal(t, "[[REF:P7", s.Flush())
}
